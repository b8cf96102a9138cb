package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/aeolun/relaychat/pkg/database"
	"github.com/aeolun/relaychat/pkg/protocol"
)

// handleMessage dispatches a frame to the appropriate handler
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeHello:
		return s.handleHello(sess, frame)
	case protocol.TypePing:
		return s.handlePing(sess, frame)
	}

	if !sess.Authenticated() {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeAuthRequired, "Send hello first")
	}

	switch frame.Type {
	case protocol.TypeListServers:
		return s.handleListServers(sess, frame)
	case protocol.TypeCreateServer:
		return s.handleCreateServer(sess, frame)
	case protocol.TypeListChannels:
		return s.handleListChannels(sess, frame)
	case protocol.TypeCreateChannel:
		return s.handleCreateChannel(sess, frame)
	case protocol.TypeFetchHistory:
		return s.handleFetchHistory(sess, frame)
	case protocol.TypePostMessage:
		return s.handlePostMessage(sess, frame)
	case protocol.TypeSubscribe:
		return s.handleSubscribe(sess, frame)
	case protocol.TypeUnsubscribe:
		return s.handleUnsubscribe(sess, frame)
	default:
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeUnknownType,
			fmt.Sprintf("Unsupported message type %s", protocol.TypeName(frame.Type)))
	}
}

func (s *Server) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// historyLimit clamps a requested history size to the configured maximum;
// zero asks for the maximum
func (s *Server) historyLimit(requested int) int {
	limit := s.config.HistoryLimit
	if limit <= 0 {
		limit = protocol.DefaultHistoryLimit
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// storeError reports a store failure to the client, mapping not-found errors
// to their codes
func (s *Server) storeError(sess *Session, requestID uint64, op string, err error) error {
	switch {
	case errors.Is(err, database.ErrServerNotFound):
		return s.sendError(sess, requestID, protocol.ErrCodeServerNotFound, "Server not found")
	case errors.Is(err, database.ErrChannelNotFound):
		return s.sendError(sess, requestID, protocol.ErrCodeChannelNotFound, "Channel not found")
	case errors.Is(err, database.ErrChannelExists):
		return s.sendError(sess, requestID, protocol.ErrCodeInvalidInput, err.Error())
	default:
		errorLog.Printf("Session %d: %s: %v", sess.ID, op, err)
		return s.sendError(sess, requestID, protocol.ErrCodeDatabaseError, "Failed to "+op)
	}
}

// handleHello authenticates the session
func (s *Server) handleHello(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.HelloMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	if sess.Authenticated() {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeInvalidInput, "Already authenticated")
	}

	identity := chat.Identity{
		UserID:      strings.TrimSpace(msg.UserID),
		DisplayName: chat.NormalizeContent(msg.DisplayName),
	}
	if !identity.Valid() {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeInvalidInput, "user_id and display_name are required")
	}

	if !s.checkPassword(msg.Password) {
		debugLog.Printf("Session %d: wrong password from %s", sess.ID, sess.RemoteAddr)
		err := s.sendError(sess, msg.RequestID, protocol.ErrCodeAuthFailed, "Invalid password")
		sess.Close()
		return err
	}

	sess.authenticate(identity)
	debugLog.Printf("Session %d: hello from %s (%s, client %q)", sess.ID, identity.DisplayName, identity.UserID, msg.Client)

	return s.sendMessage(sess, protocol.TypeWelcome, &protocol.WelcomeMessage{
		RequestID:       msg.RequestID,
		ServerName:      s.config.ServerName,
		ProtocolVersion: protocol.ProtocolVersion,
	})
}

// handlePing answers with the client's timestamp
func (s *Server) handlePing(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.PingMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}
	return s.sendMessage(sess, protocol.TypePong, &protocol.PongMessage{
		RequestID:       msg.RequestID,
		ClientTimestamp: msg.Timestamp,
	})
}

func (s *Server) handleListServers(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.ListServersMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return s.storeError(sess, msg.RequestID, "list servers", err)
	}
	return s.sendMessage(sess, protocol.TypeServerList, &protocol.ServerListMessage{
		RequestID: msg.RequestID,
		Servers:   servers,
	})
}

func (s *Server) handleCreateServer(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.CreateServerMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	name := chat.NormalizeContent(msg.Name)
	if err := protocol.ValidateName(name); err != nil {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeInvalidInput, err.Error())
	}
	// Ownership comes from hello, whatever the request claims
	ownerID := sess.Identity().UserID

	ctx, cancel := s.storeContext()
	defer cancel()
	server, err := s.store.CreateServer(ctx, name, ownerID)
	if err != nil {
		return s.storeError(sess, msg.RequestID, "create server", err)
	}
	debugLog.Printf("Session %d: created server %d %q", sess.ID, server.ID, server.Name)

	return s.sendMessage(sess, protocol.TypeServerCreated, &protocol.ServerCreatedMessage{
		RequestID: msg.RequestID,
		Server:    server,
	})
}

func (s *Server) handleListChannels(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.ListChannelsMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	channels, err := s.store.ListChannels(ctx, msg.ServerID)
	if err != nil {
		return s.storeError(sess, msg.RequestID, "list channels", err)
	}
	return s.sendMessage(sess, protocol.TypeChannelList, &protocol.ChannelListMessage{
		RequestID: msg.RequestID,
		ServerID:  msg.ServerID,
		Channels:  channels,
	})
}

func (s *Server) handleCreateChannel(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.CreateChannelMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	name := chat.NormalizeContent(msg.Name)
	if err := protocol.ValidateName(name); err != nil {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeInvalidInput, err.Error())
	}
	ctx, cancel := s.storeContext()
	defer cancel()
	channel, err := s.store.CreateChannel(ctx, chat.Channel{
		ServerID:    msg.ServerID,
		Name:        name,
		Description: strings.TrimSpace(msg.Description),
		CreatedBy:   sess.Identity().UserID,
	})
	if err != nil {
		return s.storeError(sess, msg.RequestID, "create channel", err)
	}
	debugLog.Printf("Session %d: created channel %d %q in server %d", sess.ID, channel.ID, channel.Name, channel.ServerID)

	return s.sendMessage(sess, protocol.TypeChannelCreated, &protocol.ChannelCreatedMessage{
		RequestID: msg.RequestID,
		Channel:   channel,
	})
}

func (s *Server) handleFetchHistory(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.FetchHistoryMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	messages, err := s.store.ListMessages(ctx, msg.ChannelID, s.historyLimit(msg.Limit))
	if err != nil {
		return s.storeError(sess, msg.RequestID, "load history", err)
	}
	return s.sendMessage(sess, protocol.TypeHistory, &protocol.HistoryMessage{
		RequestID: msg.RequestID,
		ChannelID: msg.ChannelID,
		Messages:  messages,
	})
}

// handlePostMessage stores a message, acknowledges it with the stored row
// and fans it out to the channel's subscribers. The sender fields always come
// from the session's hello.
func (s *Server) handlePostMessage(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.PostMessageMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	draft := msg.Draft
	draft.Content = chat.NormalizeContent(draft.Content)
	if err := protocol.ValidateContent(draft.Content); err != nil {
		code := uint16(protocol.ErrCodeInvalidInput)
		if errors.Is(err, protocol.ErrMessageTooLong) {
			code = protocol.ErrCodeMessageTooLong
		}
		return s.sendError(sess, msg.RequestID, code, err.Error())
	}
	if s.config.MaxMessageLength > 0 && len(draft.Content) > s.config.MaxMessageLength {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeMessageTooLong,
			fmt.Sprintf("Message exceeds maximum length (%d bytes)", s.config.MaxMessageLength))
	}

	identity := sess.Identity()
	draft.UserID = identity.UserID
	draft.DisplayName = identity.DisplayName

	ctx, cancel := s.storeContext()
	defer cancel()
	stored, err := s.store.InsertMessage(ctx, draft)
	if err != nil {
		return s.storeError(sess, msg.RequestID, "store message", err)
	}
	s.metrics.RecordMessagePosted()

	if err := s.sendMessage(sess, protocol.TypeMessagePosted, &protocol.MessagePostedMessage{
		RequestID: msg.RequestID,
		Message:   stored,
	}); err != nil {
		return err
	}

	delivered := s.hub.Publish(stored)
	debugLog.Printf("Session %d: message %s in channel %d delivered to %d subscriptions",
		sess.ID, stored.ID, stored.ChannelID, delivered)
	return nil
}

// handleSubscribe starts streaming inserts of a channel to the session. The
// subscribed reply is queued before any event of the new subscription.
func (s *Server) handleSubscribe(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.SubscribeMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	if limit := s.config.MaxSubscriptions; limit > 0 && sess.SubscriptionCount() >= limit {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeInvalidInput,
			fmt.Sprintf("Subscription limit reached (max %d)", limit))
	}

	ctx, cancel := s.storeContext()
	defer cancel()
	if _, err := s.store.GetChannel(ctx, msg.ChannelID); err != nil {
		return s.storeError(sess, msg.RequestID, "subscribe", err)
	}

	var sendErr error
	subID := s.hub.Subscribe(sess, msg.ChannelID, func(subID uint64) {
		sendErr = s.sendMessage(sess, protocol.TypeSubscribed, &protocol.SubscribedMessage{
			RequestID:      msg.RequestID,
			SubscriptionID: subID,
			ChannelID:      msg.ChannelID,
		})
	})
	debugLog.Printf("Session %d: subscription %d to channel %d", sess.ID, subID, msg.ChannelID)
	return sendErr
}

func (s *Server) handleUnsubscribe(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.UnsubscribeMessage{}
	if err := frame.Unmarshal(msg); err != nil {
		return s.sendError(sess, frame.RequestID(), protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	if !s.hub.Unsubscribe(sess, msg.SubscriptionID) {
		return s.sendError(sess, msg.RequestID, protocol.ErrCodeNotFound, "Subscription not found")
	}
	return s.sendMessage(sess, protocol.TypeUnsubscribed, &protocol.UnsubscribedMessage{
		RequestID:      msg.RequestID,
		SubscriptionID: msg.SubscriptionID,
	})
}
