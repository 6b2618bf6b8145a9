//go:build unix

package main

import (
	"os"
	"syscall"
	"testing"

	"github.com/haasonsaas/presence/internal/lifecycle"
)

func TestActionForSignal(t *testing.T) {
	tests := []struct {
		sig       os.Signal
		events    []lifecycle.Event
		reload    bool
		terminate bool
	}{
		{syscall.SIGUSR1, []lifecycle.Event{lifecycle.EventBackground}, false, false},
		{syscall.SIGUSR2, []lifecycle.Event{lifecycle.EventForeground}, false, false},
		{syscall.SIGHUP, []lifecycle.Event{lifecycle.EventLogout, lifecycle.EventLogin}, true, false},
		{syscall.SIGTERM, nil, false, true},
		{syscall.SIGINT, nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			got := actionForSignal(tt.sig)
			if got.terminate != tt.terminate || got.reloadSession != tt.reload {
				t.Fatalf("action = %+v", got)
			}
			if len(got.events) != len(tt.events) {
				t.Fatalf("events = %v, want %v", got.events, tt.events)
			}
			for i := range tt.events {
				if got.events[i] != tt.events[i] {
					t.Errorf("event %d = %v, want %v", i, got.events[i], tt.events[i])
				}
			}
		})
	}
}
