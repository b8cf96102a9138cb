package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type serverModel struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	OwnerID   string `gorm:"not null"`
	CreatedAt time.Time
}

func (serverModel) TableName() string { return "servers" }

type channelModel struct {
	ID          int64  `gorm:"primaryKey"`
	ServerID    int64  `gorm:"not null;uniqueIndex:idx_channel_server_name"`
	Name        string `gorm:"not null;uniqueIndex:idx_channel_server_name"`
	Description string
	CreatedBy   string `gorm:"not null"`
	CreatedAt   time.Time
}

func (channelModel) TableName() string { return "channels" }

type messageModel struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"type:uuid;uniqueIndex;not null"`
	ChannelID   int64  `gorm:"not null;index:idx_messages_channel,priority:1"`
	UserID      string `gorm:"not null"`
	DisplayName string `gorm:"not null"`
	Content     string `gorm:"not null"`
	CreatedAt   time.Time `gorm:"index:idx_messages_channel,priority:2"`
}

func (messageModel) TableName() string { return "messages" }

func (m serverModel) toChat() chat.Server {
	return chat.Server{ID: m.ID, Name: m.Name, OwnerID: m.OwnerID, CreatedAt: m.CreatedAt.UTC()}
}

func (m channelModel) toChat() chat.Channel {
	return chat.Channel{
		ID:          m.ID,
		ServerID:    m.ServerID,
		Name:        m.Name,
		Description: m.Description,
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func (m messageModel) toChat() chat.Message {
	return chat.Message{
		ID:          m.ID,
		Content:     m.Content,
		DisplayName: m.DisplayName,
		UserID:      m.UserID,
		ChannelID:   m.ChannelID,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

// GormDB is the PostgreSQL store
type GormDB struct {
	DB *gorm.DB
}

// OpenPostgres connects to PostgreSQL and migrates the schema.
func OpenPostgres(dsn string) (*GormDB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormDB(db)
}

// NewGormDB wraps an open gorm connection and migrates the schema.
func NewGormDB(db *gorm.DB) (*GormDB, error) {
	if err := db.AutoMigrate(&serverModel{}, &channelModel{}, &messageModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &GormDB{DB: db}, nil
}

// Close closes the underlying connection pool
func (g *GormDB) Close() error {
	sqlDB, err := g.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormDB) ListServers(ctx context.Context) ([]chat.Server, error) {
	var rows []serverModel
	if err := g.DB.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	servers := make([]chat.Server, len(rows))
	for i, r := range rows {
		servers[i] = r.toChat()
	}
	return servers, nil
}

func (g *GormDB) CreateServer(ctx context.Context, name, ownerID string) (chat.Server, error) {
	row := serverModel{Name: name, OwnerID: ownerID, CreatedAt: time.Now().Truncate(time.Millisecond)}
	if err := g.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.Server{}, err
	}
	return row.toChat(), nil
}

func (g *GormDB) ListChannels(ctx context.Context, serverID int64) ([]chat.Channel, error) {
	if err := g.requireServer(ctx, serverID); err != nil {
		return nil, err
	}
	var rows []channelModel
	if err := g.DB.WithContext(ctx).Where("server_id = ?", serverID).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	channels := make([]chat.Channel, len(rows))
	for i, r := range rows {
		channels[i] = r.toChat()
	}
	return channels, nil
}

func (g *GormDB) GetChannel(ctx context.Context, channelID int64) (chat.Channel, error) {
	var row channelModel
	err := g.DB.WithContext(ctx).First(&row, channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return chat.Channel{}, err
	}
	return row.toChat(), nil
}

func (g *GormDB) CreateChannel(ctx context.Context, channel chat.Channel) (chat.Channel, error) {
	if err := g.requireServer(ctx, channel.ServerID); err != nil {
		return chat.Channel{}, err
	}

	var taken int64
	err := g.DB.WithContext(ctx).Model(&channelModel{}).
		Where("server_id = ? AND name = ?", channel.ServerID, channel.Name).
		Count(&taken).Error
	if err != nil {
		return chat.Channel{}, err
	}
	if taken > 0 {
		return chat.Channel{}, ErrChannelExists
	}

	row := channelModel{
		ServerID:    channel.ServerID,
		Name:        channel.Name,
		Description: channel.Description,
		CreatedBy:   channel.CreatedBy,
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
	if err := g.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.Channel{}, err
	}
	return row.toChat(), nil
}

func (g *GormDB) ListMessages(ctx context.Context, channelID int64, limit int) ([]chat.Message, error) {
	if _, err := g.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}

	var rows []messageModel
	err := g.DB.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC, seq DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	messages := make([]chat.Message, len(rows))
	for i, r := range rows {
		messages[len(rows)-1-i] = r.toChat()
	}
	return messages, nil
}

func (g *GormDB) InsertMessage(ctx context.Context, draft chat.Draft) (chat.Message, error) {
	if _, err := g.GetChannel(ctx, draft.ChannelID); err != nil {
		return chat.Message{}, err
	}

	row := messageModel{
		ID:          uuid.NewString(),
		ChannelID:   draft.ChannelID,
		UserID:      draft.UserID,
		DisplayName: draft.DisplayName,
		Content:     draft.Content,
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
	if err := g.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return chat.Message{}, err
	}
	return row.toChat(), nil
}

func (g *GormDB) requireServer(ctx context.Context, serverID int64) error {
	var count int64
	if err := g.DB.WithContext(ctx).Model(&serverModel{}).Where("id = ?", serverID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrServerNotFound
	}
	return nil
}
