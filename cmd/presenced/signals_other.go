//go:build !unix

package main

import (
	"os"

	"github.com/haasonsaas/presence/internal/lifecycle"
)

// Only interrupt is portable; lifecycle signals need a unix host.
var watchedSignals = []os.Signal{os.Interrupt}

type signalAction struct {
	events        []lifecycle.Event
	reloadSession bool
	terminate     bool
}

func actionForSignal(os.Signal) signalAction {
	return signalAction{terminate: true}
}
