package server

import (
	"os"
	"strings"
	"sync"

	"github.com/rjeczalik/notify"

	"github.com/yznetwork/overlay/internal/log"
)

// authGate implements the bootstrap_auth backchannel check of spec.md
// §4.H: bridge nodes present a shared secret, checked against a file on
// disk that is hot-reloaded on change so an operator can rotate it
// without restarting the coordinator.
type authGate struct {
	mu     sync.RWMutex
	path   string
	secret string
	stop   chan struct{}
	log    log.Logger
}

// NewAuthGate loads path once and begins watching it for changes. An
// empty path disables the gate (Check always fails).
func NewAuthGate(path string) (*authGate, error) {
	g := &authGate{path: path, stop: make(chan struct{}), log: log.NewModuleLogger(log.Bootstrap)}
	if path == "" {
		return g, nil
	}
	if err := g.reload(); err != nil {
		return nil, err
	}
	events := make(chan notify.EventInfo, 1)
	if err := notify.Watch(path, events, notify.Write, notify.Create); err != nil {
		return nil, err
	}
	go g.watch(events)
	return g, nil
}

func (g *authGate) watch(events chan notify.EventInfo) {
	defer notify.Stop(events)
	for {
		select {
		case <-events:
			if err := g.reload(); err != nil {
				g.log.Warn("failed to reload bridge auth secret", "err", err)
			} else {
				g.log.Info("reloaded bridge auth secret")
			}
		case <-g.stop:
			return
		}
	}
}

func (g *authGate) reload() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return err
	}
	secret := strings.TrimSpace(string(data))
	g.mu.Lock()
	g.secret = secret
	g.mu.Unlock()
	return nil
}

// Check reports whether presented matches the currently loaded secret.
func (g *authGate) Check(presented string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.secret != "" && presented == g.secret
}

func (g *authGate) Close() {
	close(g.stop)
}
