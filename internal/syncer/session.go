package syncer

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// session holds the process-wide, non-persisted sync state: the
// single-flight groups that coalesce concurrent engine invocations, the
// in-flight flags, and the full-pull rate gate. It is a value owned by the
// Syncer rather than package state so multiple engines can coexist in
// tests.
type session struct {
	flights singleflight.Group

	mu             sync.Mutex
	outboundActive bool
	inboundActive  bool
	lastFullSyncAt time.Time
}

func (s *session) setOutbound(active bool) {
	s.mu.Lock()
	s.outboundActive = active
	s.mu.Unlock()
}

func (s *session) setInbound(active bool) {
	s.mu.Lock()
	s.inboundActive = active
	s.mu.Unlock()
}

func (s *session) syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.outboundActive || s.inboundActive
}

func (s *session) lastFullSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastFullSyncAt
}

func (s *session) markFullSync(t time.Time) {
	s.mu.Lock()
	s.lastFullSyncAt = t
	s.mu.Unlock()
}
