package serviceworker

import (
	"errors"
	"testing"
)

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"skip waiting", SkipWaiting(), `{"type":"SKIP_WAITING"}`},
		{"clear caches", ClearCaches(), `{"type":"CLEAR_CACHES"}`},
		{"invalidate", InvalidateAPICache("^GET /users"), `{"type":"INVALIDATE_API_CACHE","pattern":"^GET /users"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeMessage(tt.msg)
			if err != nil {
				t.Fatalf("EncodeMessage failed: %v", err)
			}
			if string(raw) != tt.want {
				t.Errorf("EncodeMessage() = %s, want %s", raw, tt.want)
			}

			decoded, err := DecodeMessage(raw)
			if err != nil {
				t.Fatalf("DecodeMessage failed: %v", err)
			}
			if decoded != tt.msg {
				t.Errorf("DecodeMessage() = %+v, want %+v", decoded, tt.msg)
			}
		})
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		unknown bool
	}{
		{"malformed", `{"type":`, false},
		{"unknown type", `{"type":"RELOAD"}`, true},
		{"missing type", `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.raw))
			if err == nil {
				t.Fatal("DecodeMessage should fail")
			}
			if got := errors.Is(err, ErrUnknownMessage); got != tt.unknown {
				t.Errorf("errors.Is(err, ErrUnknownMessage) = %v, want %v", got, tt.unknown)
			}
		})
	}
}

func TestEncodeMessage_UnknownType(t *testing.T) {
	if _, err := EncodeMessage(Message{Type: "RELOAD"}); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("EncodeMessage() error = %v, want ErrUnknownMessage", err)
	}
}
