package realtime

import (
	"sync"

	"go.uber.org/zap"
)

type registryEntry struct {
	pub  *Publisher
	refs int
}

// Registry holds one running publisher per stream, shared by every reference to it.
type Registry struct {
	mu     sync.Mutex
	pubs   map[string]*registryEntry
	source SnapshotSource
	out    Deliverer
	cfg    PublisherConfig
	logger *zap.Logger
}

// NewRegistry creates a publisher registry.
func NewRegistry(source SnapshotSource, out Deliverer, cfg PublisherConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pubs:   make(map[string]*registryEntry),
		source: source,
		out:    out,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Config returns the effective publisher configuration.
func (reg *Registry) Config() PublisherConfig { return reg.cfg }

// Acquire takes a reference on the stream's publisher, starting it on first use.
func (reg *Registry) Acquire(streamID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if e := reg.pubs[streamID]; e != nil {
		e.refs++
		return
	}
	pub := NewPublisher(streamID, reg.source, reg.out, reg.cfg, reg.logger)
	reg.pubs[streamID] = &registryEntry{pub: pub, refs: 1}
	pub.Start()
}

// Release drops a reference. The publisher stops when the last reference goes.
func (reg *Registry) Release(streamID string) {
	reg.mu.Lock()
	e := reg.pubs[streamID]
	if e == nil {
		reg.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		reg.mu.Unlock()
		return
	}
	delete(reg.pubs, streamID)
	reg.mu.Unlock()
	e.pub.Stop()
}

// Nudge forwards a viewer count change to the stream's publisher, if one is running.
func (reg *Registry) Nudge(streamID string, prev, cur int) bool {
	reg.mu.Lock()
	e := reg.pubs[streamID]
	reg.mu.Unlock()
	if e == nil {
		return false
	}
	return e.pub.Nudge(prev, cur)
}

// Len returns the number of running publishers.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.pubs)
}

// StopAll stops every publisher regardless of references.
func (reg *Registry) StopAll() {
	reg.mu.Lock()
	pubs := reg.pubs
	reg.pubs = make(map[string]*registryEntry)
	reg.mu.Unlock()
	for _, e := range pubs {
		e.pub.Stop()
	}
}
