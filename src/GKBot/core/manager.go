package core

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Module is a long-running part of the bot: the decision engine, the form
// poller, the event scheduler. Start must not block; Stop must be safe to
// call after a failed or partial start.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Manager starts modules in registration order and stops them in reverse.
// A module that fails to start rolls back everything started before it.
type Manager struct {
	mu      sync.Mutex
	modules []Module
	started bool
}

func NewManager(mods ...Module) *Manager {
	return &Manager{modules: mods}
}

func (m *Manager) Add(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("core: cannot add module %s after start", mod.Name())
	}
	m.modules = append(m.modules, mod)
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("core: manager already started")
	}

	started := make([]Module, 0, len(m.modules))
	for _, mod := range m.modules {
		if mod == nil {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].Stop(ctx)
			}
			return fmt.Errorf("core: start %s: %w", mod.Name(), err)
		}
		log.Printf("core: module %s started", mod.Name())
		started = append(started, mod)
	}

	m.started = true
	return nil
}

func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.modules) - 1; i >= 0; i-- {
		if mod := m.modules[i]; mod != nil {
			mod.Stop(ctx)
			log.Printf("core: module %s stopped", mod.Name())
		}
	}
	m.started = false
}
