package common

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

// Module names recognised by the pause gate.
const (
	ModuleStaking  = "staking"
	ModuleExternal = "external"
	ModuleOracle   = "oracle"
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

// Pauses is a mutable PauseView keyed by module name.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses seeds the toggle set with the provided paused modules.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool, len(modules))}
	for _, m := range modules {
		p.Set(m, true)
	}
	return p
}

// Set toggles the pause flag for a module.
func (p *Pauses) Set(module string, paused bool) {
	module = strings.ToLower(strings.TrimSpace(module))
	if module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]bool)
	}
	if paused {
		p.paused[module] = true
	} else {
		delete(p.paused, module)
	}
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[strings.ToLower(strings.TrimSpace(module))]
}
