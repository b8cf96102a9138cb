package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/aeolun/relaychat/pkg/chat"
	json "github.com/goccy/go-json"
)

// Message type constants (Client → Server)
const (
	TypeHello         = 0x01
	TypeListServers   = 0x02
	TypeCreateServer  = 0x03
	TypeListChannels  = 0x04
	TypeCreateChannel = 0x05
	TypeFetchHistory  = 0x06
	TypePostMessage   = 0x07
	TypeSubscribe     = 0x08
	TypeUnsubscribe   = 0x09
	TypePing          = 0x10
)

// Message type constants (Server → Client)
const (
	TypeWelcome        = 0x81
	TypeServerList     = 0x82
	TypeServerCreated  = 0x83
	TypeChannelList    = 0x84
	TypeChannelCreated = 0x85
	TypeHistory        = 0x86
	TypeMessagePosted  = 0x87
	TypeSubscribed     = 0x88
	TypeUnsubscribed   = 0x89
	TypeInsertEvent    = 0x8A
	TypePong           = 0x90
	TypeError          = 0x91
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat      = 1000
	ErrCodeUnsupportedVersion = 1001
	ErrCodeInvalidFrame       = 1002
	ErrCodeUnknownType        = 1003

	// Authentication errors (2xxx)
	ErrCodeAuthRequired = 2000
	ErrCodeAuthFailed   = 2001

	// Resource errors (4xxx)
	ErrCodeNotFound        = 4000
	ErrCodeChannelNotFound = 4001
	ErrCodeServerNotFound  = 4002

	// Validation errors (6xxx)
	ErrCodeInvalidInput   = 6000
	ErrCodeMessageTooLong = 6001

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
	ErrCodeDatabaseError = 9001
)

const (
	// MaxContentLength is the longest message content accepted, in bytes
	MaxContentLength = 4096
	// MaxNameLength is the longest server or channel name accepted, in characters
	MaxNameLength = 64
	// DefaultHistoryLimit is used when a FetchHistory request does not set one
	DefaultHistoryLimit = 200
)

var (
	ErrMessageTooLong = errors.New("message content exceeds maximum length (4096 bytes)")
	ErrEmptyContent   = errors.New("message content cannot be empty")
	ErrEmptyName      = errors.New("name cannot be empty")
	ErrNameTooLong    = errors.New("name exceeds maximum length (64 characters)")
)

// HelloMessage (0x01) - First message on a connection
type HelloMessage struct {
	RequestID   uint64 `json:"request_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password,omitempty"`
	Client      string `json:"client,omitempty"`
}

// WelcomeMessage (0x81) - Reply to Hello
type WelcomeMessage struct {
	RequestID       uint64 `json:"request_id"`
	ServerName      string `json:"server_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// ListServersMessage (0x02)
type ListServersMessage struct {
	RequestID uint64 `json:"request_id"`
}

// ServerListMessage (0x82)
type ServerListMessage struct {
	RequestID uint64        `json:"request_id"`
	Servers   []chat.Server `json:"servers"`
}

// CreateServerMessage (0x03)
type CreateServerMessage struct {
	RequestID uint64 `json:"request_id"`
	Name      string `json:"name"`
	// OwnerID is informational; the relay records the hello identity
	OwnerID   string `json:"owner_id"`
}

// ServerCreatedMessage (0x83)
type ServerCreatedMessage struct {
	RequestID uint64      `json:"request_id"`
	Server    chat.Server `json:"server"`
}

// ListChannelsMessage (0x04)
type ListChannelsMessage struct {
	RequestID uint64 `json:"request_id"`
	ServerID  int64  `json:"server_id"`
}

// ChannelListMessage (0x84)
type ChannelListMessage struct {
	RequestID uint64         `json:"request_id"`
	ServerID  int64          `json:"server_id"`
	Channels  []chat.Channel `json:"channels"`
}

// CreateChannelMessage (0x05)
type CreateChannelMessage struct {
	RequestID   uint64 `json:"request_id"`
	ServerID    int64  `json:"server_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// CreatedBy is informational; the relay records the hello identity
	CreatedBy   string `json:"created_by"`
}

// ChannelCreatedMessage (0x85)
type ChannelCreatedMessage struct {
	RequestID uint64       `json:"request_id"`
	Channel   chat.Channel `json:"channel"`
}

// FetchHistoryMessage (0x06) - Request the newest Limit messages of a channel
type FetchHistoryMessage struct {
	RequestID uint64 `json:"request_id"`
	ChannelID int64  `json:"channel_id"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryMessage (0x86) - Messages oldest first
type HistoryMessage struct {
	RequestID uint64         `json:"request_id"`
	ChannelID int64          `json:"channel_id"`
	Messages  []chat.Message `json:"messages"`
}

// PostMessageMessage (0x07)
type PostMessageMessage struct {
	RequestID uint64     `json:"request_id"`
	Draft     chat.Draft `json:"draft"`
}

// MessagePostedMessage (0x87) - The stored row of a successful post
type MessagePostedMessage struct {
	RequestID uint64       `json:"request_id"`
	Message   chat.Message `json:"message"`
}

// SubscribeMessage (0x08)
type SubscribeMessage struct {
	RequestID uint64 `json:"request_id"`
	ChannelID int64  `json:"channel_id"`
}

// SubscribedMessage (0x88)
type SubscribedMessage struct {
	RequestID      uint64 `json:"request_id"`
	SubscriptionID uint64 `json:"subscription_id"`
	ChannelID      int64  `json:"channel_id"`
}

// UnsubscribeMessage (0x09)
type UnsubscribeMessage struct {
	RequestID      uint64 `json:"request_id"`
	SubscriptionID uint64 `json:"subscription_id"`
}

// UnsubscribedMessage (0x89)
type UnsubscribedMessage struct {
	RequestID      uint64 `json:"request_id"`
	SubscriptionID uint64 `json:"subscription_id"`
}

// InsertEventMessage (0x8A) - A row inserted into a subscribed channel
type InsertEventMessage struct {
	SubscriptionID uint64       `json:"subscription_id"`
	Message        chat.Message `json:"message"`
}

// PingMessage (0x10)
type PingMessage struct {
	RequestID uint64 `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage (0x90)
type PongMessage struct {
	RequestID       uint64 `json:"request_id"`
	ClientTimestamp int64  `json:"client_timestamp"`
}

// ErrorMessage (0x91) - Failure of the request RequestID, or of the
// connection when RequestID is zero
type ErrorMessage struct {
	RequestID uint64 `json:"request_id"`
	Code      uint16 `json:"code"`
	Message   string `json:"message"`
}

func (m *ErrorMessage) Error() string {
	return fmt.Sprintf("error %d: %s", m.Code, m.Message)
}

// NewFrame marshals payload into a frame of msgType.
func NewFrame(msgType uint8, payload interface{}) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeName(msgType), err)
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    msgType,
		Payload: data,
	}, nil
}

// Unmarshal decodes the frame payload into v.
func (f *Frame) Unmarshal(v interface{}) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", TypeName(f.Type), err)
	}
	return nil
}

// RequestID extracts the request ID of any request or response frame. It
// returns zero for events and undecodable payloads.
func (f *Frame) RequestID() uint64 {
	var envelope struct {
		RequestID uint64 `json:"request_id"`
	}
	if err := json.Unmarshal(f.Payload, &envelope); err != nil {
		return 0
	}
	return envelope.RequestID
}

// TypeName returns a readable name for a message type, for logs and metric labels.
func TypeName(msgType uint8) string {
	switch msgType {
	case TypeHello:
		return "hello"
	case TypeListServers:
		return "list_servers"
	case TypeCreateServer:
		return "create_server"
	case TypeListChannels:
		return "list_channels"
	case TypeCreateChannel:
		return "create_channel"
	case TypeFetchHistory:
		return "fetch_history"
	case TypePostMessage:
		return "post_message"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypePing:
		return "ping"
	case TypeWelcome:
		return "welcome"
	case TypeServerList:
		return "server_list"
	case TypeServerCreated:
		return "server_created"
	case TypeChannelList:
		return "channel_list"
	case TypeChannelCreated:
		return "channel_created"
	case TypeHistory:
		return "history"
	case TypeMessagePosted:
		return "message_posted"
	case TypeSubscribed:
		return "subscribed"
	case TypeUnsubscribed:
		return "unsubscribed"
	case TypeInsertEvent:
		return "insert_event"
	case TypePong:
		return "pong"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", msgType)
	}
}

// ValidateContent checks message content after trimming.
func ValidateContent(content string) error {
	content = chat.NormalizeContent(content)
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return ErrMessageTooLong
	}
	return nil
}

// ValidateName checks a server or channel name after trimming.
func ValidateName(name string) error {
	name = chat.NormalizeContent(name)
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}
