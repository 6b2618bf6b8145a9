package realtime

import (
	"errors"
	"testing"

	"github.com/haasonsaas/presence/pkg/models"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    MessageType
		wantErr error
	}{
		{
			name: "presence update",
			raw:  `{"type":"presence_update","data":{"userId":"u1","status":"online","lastSeen":"2026-01-01T00:00:00Z"}}`,
			want: TypePresenceUpdate,
		},
		{
			name: "typing indicator",
			raw:  `{"type":"typing_indicator","data":{"userId":"u1","conversationId":"c1","isTyping":true}}`,
			want: TypeTypingIndicator,
		},
		{
			name: "initial presences",
			raw:  `{"type":"initial_presences","data":[{"userId":"u1","status":"online"}]}`,
			want: TypeInitialPresences,
		},
		{name: "not json", raw: `{{{`, wantErr: ErrMalformed},
		{name: "missing type", raw: `{"data":{}}`, wantErr: ErrMalformed},
		{name: "unknown type", raw: `{"type":"read_receipt","data":{}}`, wantErr: ErrUnknownType},
		{name: "bad status", raw: `{"type":"presence_update","data":{"userId":"u1","status":"busy"}}`, wantErr: ErrMalformed},
		{name: "missing data", raw: `{"type":"presence_update"}`, wantErr: ErrMalformed},
		{name: "typing without conversation", raw: `{"type":"typing_indicator","data":{"userId":"u1","isTyping":true}}`, wantErr: ErrMalformed},
		{name: "initial presences not array", raw: `{"type":"initial_presences","data":{"userId":"u1"}}`, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeMessage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMessage() error = %v", err)
			}
			if msg.Type() != tt.want {
				t.Errorf("Type() = %q, want %q", msg.Type(), tt.want)
			}
		})
	}
}

func TestDecodeMessage_InitialPresencesSkipsBadEntries(t *testing.T) {
	raw := `{"type":"initial_presences","data":[
		{"userId":"u1","status":"online"},
		{"userId":"","status":"away"},
		{"userId":"u2","status":"away"}
	]}`
	msg, err := DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	initial, ok := msg.(InitialPresences)
	if !ok {
		t.Fatalf("message = %T, want InitialPresences", msg)
	}
	if len(initial.Presences) != 2 || initial.Skipped != 1 {
		t.Fatalf("presences = %+v skipped = %d", initial.Presences, initial.Skipped)
	}
	if initial.Presences[1].Status != models.StatusAway {
		t.Errorf("u2 status = %q", initial.Presences[1].Status)
	}
}
