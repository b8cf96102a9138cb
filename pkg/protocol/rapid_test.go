package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/aeolun/relaychat/pkg/chat"
	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &Frame{
			Version: ProtocolVersion,
			Type:    rapid.Byte().Draw(t, "type"),
			// Compressed frames need valid LZ4 data, covered below
			Flags:   rapid.Byte().Draw(t, "flags") &^ FlagCompressed,
			Payload: rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "payload"),
		}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Type != original.Type {
			t.Fatalf("type mismatch: got %d, want %d", decoded.Type, original.Type)
		}
		if decoded.Flags != original.Flags {
			t.Fatalf("flags mismatch: got %d, want %d", decoded.Flags, original.Flags)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestCompressionRoundTripRapid tests that compressible payloads round-trip
func TestCompressionRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pattern := rapid.SliceOfN(rapid.Byte(), 1, 50).Draw(t, "pattern")
		payload := bytes.Repeat(pattern, rapid.IntRange(10, 100).Draw(t, "repeat"))

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, &Frame{Version: ProtocolVersion, Type: TypeHistory, Payload: payload}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Flags&FlagCompressed != 0 {
			t.Fatalf("compression flag not cleared")
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("payload mismatch: got %d bytes, want %d bytes", len(decoded.Payload), len(payload))
		}
	})
}

func drawMessage(t *rapid.T, label string) chat.Message {
	return chat.Message{
		ID:          rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, label+".id"),
		Content:     rapid.String().Draw(t, label+".content"),
		DisplayName: rapid.StringMatching(`[A-Za-z]{1,12}`).Draw(t, label+".name"),
		UserID:      rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, label+".user"),
		ChannelID:   rapid.Int64Range(1, 1<<40).Draw(t, label+".channel"),
		CreatedAt:   time.UnixMilli(rapid.Int64Range(0, 1<<42).Draw(t, label+".ts")).UTC(),
	}
}

// TestHistoryMessageRoundTrip tests history payloads through a full frame
func TestHistoryMessageRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		original := HistoryMessage{
			RequestID: rapid.Uint64().Draw(t, "request_id"),
			ChannelID: rapid.Int64().Draw(t, "channel_id"),
			Messages:  make([]chat.Message, n),
		}
		for i := range original.Messages {
			original.Messages[i] = drawMessage(t, "msg")
		}

		frame, err := NewFrame(TypeHistory, &original)
		if err != nil {
			t.Fatalf("new frame: %v", err)
		}
		data, err := frame.Bytes()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		parsed, err := ParseFrame(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if parsed.RequestID() != original.RequestID {
			t.Fatalf("request id mismatch: got %d, want %d", parsed.RequestID(), original.RequestID)
		}

		var decoded HistoryMessage
		if err := parsed.Unmarshal(&decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(decoded.Messages) != n {
			t.Fatalf("got %d messages, want %d", len(decoded.Messages), n)
		}
		for i, m := range decoded.Messages {
			want := original.Messages[i]
			if m.ID != want.ID || m.Content != want.Content || !m.CreatedAt.Equal(want.CreatedAt) {
				t.Fatalf("message %d mismatch: got %+v, want %+v", i, m, want)
			}
		}
	})
}
