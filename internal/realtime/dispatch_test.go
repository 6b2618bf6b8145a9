package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/presence/internal/store"
	"github.com/haasonsaas/presence/pkg/models"
)

func mustDecode(t *testing.T, raw string) Message {
	t.Helper()
	msg, err := DecodeMessage([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeMessage(%s) error = %v", raw, err)
	}
	return msg
}

func TestDispatcher_InitialPresences(t *testing.T) {
	st := store.New()
	d := NewDispatcher(st, nil, nil)

	d.Apply(mustDecode(t, `{"type":"initial_presences","data":[
		{"userId":"u1","status":"online","lastSeen":"2026-01-01T10:00:00Z"},
		{"userId":"u2","status":"away","lastSeen":"2026-01-01T09:00:00Z"}
	]}`))

	u1, ok := st.Get("u1")
	if !ok || u1.Status != models.StatusOnline {
		t.Errorf("u1 = %+v, %v; want online", u1, ok)
	}
	u2, ok := st.Get("u2")
	if !ok || u2.Status != models.StatusAway {
		t.Errorf("u2 = %+v, %v; want away", u2, ok)
	}
	if st.Len() != 2 {
		t.Errorf("Len() = %d, want 2", st.Len())
	}
}

func TestDispatcher_NumericUserIDs(t *testing.T) {
	st := store.New()
	d := NewDispatcher(st, nil, nil)

	msg := mustDecode(t, `{"type":"initial_presences","data":[
		{"userId":1,"status":"online","lastSeen":"2026-01-01T10:00:00Z"},
		{"userId":2,"status":"away","lastSeen":"2026-01-01T09:00:00Z"}
	]}`)
	if snap, ok := msg.(InitialPresences); !ok || snap.Skipped != 0 || len(snap.Presences) != 2 {
		t.Fatalf("decoded %+v, want two presences and nothing skipped", msg)
	}
	d.Apply(msg)

	if p, ok := st.Get("1"); !ok || p.Status != models.StatusOnline {
		t.Errorf("Get(1) = %+v, %v; want online", p, ok)
	}
	if p, ok := st.Get("2"); !ok || p.Status != models.StatusAway {
		t.Errorf("Get(2) = %+v, %v; want away", p, ok)
	}

	d.Apply(mustDecode(t, `{"type":"presence_update","data":{"userId":1,"status":"offline","lastSeen":"2026-01-01T11:00:00Z"}}`))
	if p, _ := st.Get("1"); p.Status != models.StatusOffline {
		t.Errorf("Get(1) after update = %q, want offline", p.Status)
	}

	d.Apply(mustDecode(t, `{"type":"typing_indicator","data":{"userId":2,"conversationId":7,"isTyping":true}}`))
	if !st.IsTyping("2", "7") {
		t.Error("user 2 should be typing in conversation 7")
	}
}

func TestDispatcher_TypingIsKeyedByConversation(t *testing.T) {
	st := store.New()
	d := NewDispatcher(st, nil, nil)

	d.Apply(mustDecode(t, `{"type":"typing_indicator","data":{"userId":"u1","conversationId":"c1","isTyping":true}}`))
	if !st.IsTyping("u1", "c1") {
		t.Fatal("u1 should be typing in c1")
	}
	if st.IsTyping("u1", "c2") {
		t.Error("typing must not leak to other conversations")
	}

	d.Apply(mustDecode(t, `{"type":"typing_indicator","data":{"userId":"u1","conversationId":"c1","isTyping":false}}`))
	if st.IsTyping("u1", "c1") {
		t.Error("explicit false should clear typing")
	}
}

func TestDispatcher_RunPreservesArrivalOrder(t *testing.T) {
	st := store.New()
	d := NewDispatcher(st, nil, nil)
	inbox := make(chan Message, 3)

	inbox <- mustDecode(t, `{"type":"presence_update","data":{"userId":"u1","status":"online"}}`)
	inbox <- mustDecode(t, `{"type":"presence_update","data":{"userId":"u1","status":"away"}}`)
	inbox <- mustDecode(t, `{"type":"presence_update","data":{"userId":"u1","status":"offline"}}`)
	close(inbox)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Run(ctx, inbox)

	rec, _ := st.Get("u1")
	if rec.Status != models.StatusOffline {
		t.Errorf("status = %q, want last message offline", rec.Status)
	}
}

func TestDispatcher_DeltaAfterSnapshotMayRewind(t *testing.T) {
	st := store.New()
	d := NewDispatcher(st, nil, nil)

	d.Apply(mustDecode(t, `{"type":"initial_presences","data":[{"userId":"u1","status":"online"}]}`))
	d.Apply(mustDecode(t, `{"type":"presence_update","data":{"userId":"u1","status":"away"}}`))

	rec, _ := st.Get("u1")
	if rec.Status != models.StatusAway {
		t.Errorf("status = %q, want away (last write wins)", rec.Status)
	}
}
