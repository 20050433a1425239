package membership

import (
	"context"
	"sort"
	"sync"
	"time"
)

// StaticProvider serves a fixed silo set. It backs single-process setups and
// tests, and doubles as the seed provider before a shared store is
// configured.
type StaticProvider struct {
	mu       sync.Mutex
	version  uint64
	silos    map[string]SiloInfo
	notifier *notifier
}

// NewStaticProvider creates a provider pre-populated with the given silos,
// all marked active.
func NewStaticProvider(silos ...SiloInfo) *StaticProvider {
	p := &StaticProvider{
		version:  1,
		silos:    make(map[string]SiloInfo, len(silos)),
		notifier: newNotifier(),
	}
	for _, silo := range silos {
		silo.Status = StatusActive
		silo.LastHeartbeat = time.Now()
		p.silos[silo.ID] = silo
	}

	return p
}

// Join implements Provider.
func (p *StaticProvider) Join(_ context.Context, self SiloInfo) error {
	self.Status = StatusActive
	self.LastHeartbeat = time.Now()
	if self.JoinEpoch == 0 {
		self.JoinEpoch = time.Now().UnixMilli()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.silos[self.ID] = self
	p.bump()

	return nil
}

// Leave implements Provider.
func (p *StaticProvider) Leave(context.Context) error {
	return nil
}

// SetStatus overrides one silo's status. Tests use this to simulate silo
// failure and recovery.
func (p *StaticProvider) SetStatus(id string, status Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	silo, ok := p.silos[id]
	if !ok {
		return
	}
	silo.Status = status
	p.silos[id] = silo
	p.bump()
}

// Remove drops one silo from the set entirely.
func (p *StaticProvider) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.silos[id]; !ok {
		return
	}
	delete(p.silos, id)
	p.bump()
}

// Snapshot implements Provider.
func (p *StaticProvider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshotLocked()
}

// Subscribe implements Provider.
func (p *StaticProvider) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.notifier.subscribe(func(id int) {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.notifier.subs, id)
	})
}

func (p *StaticProvider) bump() {
	p.version++
	p.notifier.publish(p.snapshotLocked())
}

func (p *StaticProvider) snapshotLocked() Snapshot {
	silos := make([]SiloInfo, 0, len(p.silos))
	for _, silo := range p.silos {
		silos = append(silos, silo)
	}
	sort.Slice(silos, func(i, j int) bool {
		return silos[i].ID < silos[j].ID
	})

	return Snapshot{
		Version: p.version,
		Silos:   silos,
	}
}
