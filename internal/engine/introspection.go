package engine

import (
	"github.com/aretw0/introspection"
)

// SnapperState exposes internal state for observability.
type SnapperState struct {
	Storage     string      `json:"storage"`
	StorageType string      `json:"storage_type"`
	Version     string      `json:"version"`
	VersionTier string      `json:"version_tier"`
	Phase       Phase       `json:"phase"`
	Running     bool        `json:"running"`
	Closed      bool        `json:"closed"`
	BatchSize   int         `json:"batch_size"`
	Pending     int         `json:"pending"`
	CachedItems int         `json:"cached_items"`
	FailedItems int         `json:"failed_items"`
	Codec       string      `json:"codec"`
	LastRun     *RunSummary `json:"last_run,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Snapper[In, Out]) State() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	storageType := "storage"
	if comp, ok := s.store.(introspection.Component); ok {
		storageType = comp.ComponentType()
	}

	st := SnapperState{
		Storage:     s.id,
		StorageType: storageType,
		Version:     string(s.version),
		VersionTier: s.tier.String(),
		Phase:       s.phase,
		Running:     s.running.Load(),
		Closed:      s.closed,
		BatchSize:   s.cfg.batchSize,
		CachedItems: len(s.cache),
		FailedItems: len(s.failed),
		Codec:       s.cfg.codec.Name(),
	}
	if s.active != nil {
		st.Pending = s.active.Len()
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	return st
}

// ComponentType implements introspection.Component.
func (s *Snapper[In, Out]) ComponentType() string {
	return "snapper"
}

var _ introspection.Introspectable = (*Snapper[int, int])(nil)
var _ introspection.Component = (*Snapper[int, int])(nil)
