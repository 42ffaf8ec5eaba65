package claim

import (
	"context"
	"fmt"
	"sync"
)

// LocalProvider is an in-process exclusive-access provider. It backs
// the simulated server mode and tests; outages and denials can be
// scripted.
type LocalProvider struct {
	mu        sync.Mutex
	claimed   map[string]bool
	denied    map[string]bool
	available bool
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		claimed:   make(map[string]bool),
		denied:    make(map[string]bool),
		available: true,
	}
}

// SetAvailable scripts provider reachability.
func (p *LocalProvider) SetAvailable(available bool) {
	p.mu.Lock()
	p.available = available
	p.mu.Unlock()
}

// Deny makes claim attempts for the device fail as permission denied.
func (p *LocalProvider) Deny(busID string) {
	p.mu.Lock()
	p.denied[busID] = true
	p.mu.Unlock()
}

func (p *LocalProvider) Claim(_ context.Context, busID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.available {
		return ErrProviderUnavailable
	}
	if p.denied[busID] {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, busID)
	}
	if p.claimed[busID] {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, busID)
	}
	p.claimed[busID] = true
	return nil
}

func (p *LocalProvider) Release(_ context.Context, busID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.available {
		return ErrProviderUnavailable
	}
	delete(p.claimed, busID)
	return nil
}

func (p *LocalProvider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.available {
		return ErrProviderUnavailable
	}
	return nil
}
