// Package eventstream implements the §6 generator-facing published-event
// stream: a queue of target keys committed by just-completed tasks,
// drained by the reactive controller once per fixed-point iteration. The
// optional NATS mirror is grounded on the teacher's internal/eventbus.Bus,
// which similarly treats JetStream as "supplementary to local dispatch,
// not a prerequisite" — publish failures are logged, never propagated.
package eventstream

import (
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/taskcore/taskcore/internal/corelog"
)

// Stream queues published target keys for the reactive controller and,
// when configured, mirrors them to an external NATS subject for
// out-of-process consumers (dashboards and the like — all out of the
// core's scope, but the stream gives them a seam).
type Stream struct {
	mu      sync.Mutex
	pending []string
	nc      *nats.Conn
	subject string
	log     *corelog.Logger
}

// New creates an empty Stream.
func New(log *corelog.Logger) *Stream {
	if log == nil {
		log = corelog.Default
	}
	return &Stream{log: log}
}

// SetNATS attaches a NATS connection for external mirroring of published
// keys. Publishing to it is fire-and-forget: a down or misconfigured NATS
// server never blocks or fails the reactive loop.
func (s *Stream) SetNATS(nc *nats.Conn, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nc = nc
	s.subject = subject
}

// NATSEnabled reports whether external mirroring is configured.
func (s *Stream) NATSEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc != nil
}

// Publish records a just-committed target key for the controller to drain,
// and mirrors it to NATS if configured.
func (s *Stream) Publish(key string) {
	s.mu.Lock()
	s.pending = append(s.pending, key)
	nc, subject := s.nc, s.subject
	s.mu.Unlock()

	if nc != nil {
		if err := nc.Publish(subject, []byte(key)); err != nil {
			s.log.Warnf("eventstream: NATS publish of %s failed: %v", key, err)
		}
	}
}

// Drain returns every key published since the last Drain and clears the
// queue. The reactive controller calls this once per fixed-point
// iteration (§4.4 step 3).
func (s *Stream) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.pending
	s.pending = nil
	return keys
}
