// Package session wires the persisted state store, match index, task graph,
// executor, and reactive controller into one scoped lifetime, the way the
// teacher's cmd/bd/main.go wires a single eventbus.Bus and storage provider
// for the process's duration and guarantees they are closed on every exit
// path.
package session

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/taskcore/taskcore/internal/config"
	"github.com/taskcore/taskcore/internal/controller"
	"github.com/taskcore/taskcore/internal/corelog"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/eventstream"
	"github.com/taskcore/taskcore/internal/executor"
	"github.com/taskcore/taskcore/internal/generator"
	"github.com/taskcore/taskcore/internal/graph"
	"github.com/taskcore/taskcore/internal/statestore"
	"github.com/taskcore/taskcore/internal/uptodate"

	_ "github.com/taskcore/taskcore/internal/statestore/filestore"
	_ "github.com/taskcore/taskcore/internal/statestore/memory"
	_ "github.com/taskcore/taskcore/internal/statestore/sqlite"
)

// Session owns every subsystem needed to admit a task set and run it, once,
// to convergence. Its store must be closed on every exit path — Close
// handles that regardless of how the session's work concluded.
type Session struct {
	Log        *corelog.Logger
	Store      statestore.Store
	Graph      *graph.Graph
	Executor   *executor.Executor
	Stream     *eventstream.Stream
	Controller *controller.Controller

	nc *nats.Conn
}

// Open builds a Session from a resolved Config: it opens the configured
// state-store backend, wires the match index, executor, and event stream,
// and optionally attaches a NATS mirror. The caller must call Close.
func Open(ctx context.Context, cfg *config.Config, backend, statePath string) (*Session, error) {
	log := corelog.New(nil, corelog.ParseLevel(cfg.LogLevel))

	store, err := statestore.Open(ctx, backend, statePath)
	if err != nil {
		return nil, fmt.Errorf("session: open state store: %w", err)
	}

	g := graph.New()
	stream := eventstream.New(log)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			// The published-event stream's NATS mirror is supplementary,
			// never a prerequisite (§6) — a bad NATS URL degrades to
			// local-only publishing rather than failing session Open.
			log.Warnf("session: NATS connect to %s failed, continuing without a mirror: %v", cfg.NATSURL, err)
		} else {
			nc = conn
			stream.SetNATS(nc, cfg.NATSSubject)
		}
	}

	eng := uptodate.New(store, log)
	ex := executor.New(g, eng, stream, log)
	ctrl := controller.New(g, ex, stream, cfg.MaxTasks, cfg.Parallelism, cfg.ConvergenceTimeout, log)

	return &Session{
		Log:        log,
		Store:      store,
		Graph:      g,
		Executor:   ex,
		Stream:     stream,
		Controller: ctrl,
		nc:         nc,
	}, nil
}

// RegisterGenerator adds a generator to the session's reactive controller.
func (s *Session) RegisterGenerator(gen generator.Generator) {
	s.Controller.Register(gen)
}

// AdmitStatic admits a fixed task set with no generators (the non-reactive
// path: every task is known up front,§4.3 alone decides what runs).
func (s *Session) AdmitStatic(tasks []*coretypes.Task) error {
	return s.Graph.AdmitAll(tasks)
}

// RunStatic runs the admitted graph once, without any reactive regeneration.
func (s *Session) RunStatic(ctx context.Context) (*executor.Report, error) {
	return s.Executor.Run(ctx)
}

// RunReactive drives the registered generators and executor to convergence
// or hit_limit (§4.4). Use this instead of RunStatic once any generator has
// been registered.
func (s *Session) RunReactive(ctx context.Context) (*controller.Report, error) {
	return s.Controller.Run(ctx)
}

// Close releases the state store and any NATS connection. Safe to call
// exactly once, on every exit path (§5 "opened scoped and closed on all exit
// paths").
func (s *Session) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return s.Store.Close()
}
