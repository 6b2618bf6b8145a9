//go:build unix

package main

import (
	"os"
	"syscall"

	"github.com/haasonsaas/presence/internal/lifecycle"
)

var watchedSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// signalAction is what the daemon does for one signal.
type signalAction struct {
	events        []lifecycle.Event
	reloadSession bool
	terminate     bool
}

func actionForSignal(sig os.Signal) signalAction {
	switch sig {
	case syscall.SIGUSR1:
		return signalAction{events: []lifecycle.Event{lifecycle.EventBackground}}
	case syscall.SIGUSR2:
		return signalAction{events: []lifecycle.Event{lifecycle.EventForeground}}
	case syscall.SIGHUP:
		return signalAction{
			events:        []lifecycle.Event{lifecycle.EventLogout, lifecycle.EventLogin},
			reloadSession: true,
		}
	default:
		return signalAction{terminate: true}
	}
}
