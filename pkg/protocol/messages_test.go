package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrameUnmarshal(t *testing.T) {
	original := &MessagePostedMessage{
		RequestID: 42,
		Message: chat.Message{
			ID:          "3f1c",
			Content:     "hello",
			DisplayName: "A",
			UserID:      "user-a",
			ChannelID:   7,
			CreatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	frame, err := NewFrame(TypeMessagePosted, original)
	require.NoError(t, err)
	assert.Equal(t, uint8(ProtocolVersion), frame.Version)
	assert.Equal(t, uint8(TypeMessagePosted), frame.Type)
	assert.Equal(t, uint64(42), frame.RequestID())

	var decoded MessagePostedMessage
	require.NoError(t, frame.Unmarshal(&decoded))
	assert.Equal(t, *original, decoded)
}

func TestPendingIsNotSerialized(t *testing.T) {
	frame, err := NewFrame(TypeInsertEvent, &InsertEventMessage{
		SubscriptionID: 1,
		Message:        chat.Message{ID: "x", Pending: true},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(frame.Payload), "pending")

	var decoded InsertEventMessage
	require.NoError(t, frame.Unmarshal(&decoded))
	assert.False(t, decoded.Message.Pending)
}

func TestUnmarshalInvalidPayload(t *testing.T) {
	frame := &Frame{Version: ProtocolVersion, Type: TypeHistory, Payload: []byte("{not json")}

	var decoded HistoryMessage
	err := frame.Unmarshal(&decoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode history")
	assert.Equal(t, uint64(0), frame.RequestID())
}

func TestInsertEventHasNoRequestID(t *testing.T) {
	frame, err := NewFrame(TypeInsertEvent, &InsertEventMessage{SubscriptionID: 9})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), frame.RequestID())
}

func TestErrorMessageIsError(t *testing.T) {
	var err error = &ErrorMessage{Code: ErrCodeChannelNotFound, Message: "channel 4 not found"}
	assert.Equal(t, "error 4001: channel 4 not found", err.Error())
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "post_message", TypeName(TypePostMessage))
	assert.Equal(t, "insert_event", TypeName(TypeInsertEvent))
	assert.Equal(t, "unknown(0x7f)", TypeName(0x7f))
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"normal", "hello", nil},
		{"padded", "  hi  ", nil},
		{"empty", "", ErrEmptyContent},
		{"whitespace", " \n\t ", ErrEmptyContent},
		{"at limit", strings.Repeat("a", MaxContentLength), nil},
		{"over limit", strings.Repeat("a", MaxContentLength+1), ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidateContent(tt.content))
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("general"))
	assert.NoError(t, ValidateName(strings.Repeat("é", MaxNameLength)))
	assert.Equal(t, ErrEmptyName, ValidateName("  "))
	assert.Equal(t, ErrNameTooLong, ValidateName(strings.Repeat("x", MaxNameLength+1)))
}
