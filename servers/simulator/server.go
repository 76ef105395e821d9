// Package simulator exposes a Carla simulator over MCP: simulator operations as tools,
// world state and recorded runs as resources, and a scenario prompt.
package simulator

import (
	"iter"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/carla-mcp/carla"
	"github.com/MegaGrindStone/carla-mcp/mcp"
	"github.com/MegaGrindStone/carla-mcp/recorder"
)

// Server implements the MCP tool, resource and prompt servers on top of a
// carla.Connection. Runs started with run_simulation are recorded when a recorder
// store is configured.
type Server struct {
	conn   *carla.Connection
	store  *recorder.Store
	logger *slog.Logger

	tools    map[string]tool
	toolList []mcp.Tool

	subsLock sync.Mutex
	subs     map[string]struct{}

	updates     chan string
	listUpdates chan struct{}

	// runLock serializes run_simulation, a second run fails instead of queueing.
	runLock sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// Option represents the options for the Server.
type Option func(*Server)

const (
	actorsURI    = "carla://actors"
	mapURI       = "carla://map"
	blueprintURI = "carla://blueprints"
	runsURI      = "carla://runs"
	runURIPrefix = "carla://runs/"
	runTemplate  = "carla://runs/{run_id}"

	updatesBuffer = 16
)

// NewServer creates a Server backed by conn.
func NewServer(conn *carla.Connection, options ...Option) *Server {
	s := &Server{
		conn:        conn,
		logger:      slog.Default().With(slog.String("component", "simulator")),
		subs:        make(map[string]struct{}),
		updates:     make(chan string, updatesBuffer),
		listUpdates: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	s.tools, s.toolList = s.buildTools()
	conn.Watch(func() { s.resourceUpdated(actorsURI) })

	return s
}

// WithRecorder enables recording of simulation runs into store.
func WithRecorder(store *recorder.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "simulator"))
	}
}

// Close ends the update streams. It does not close the connection or the recorder.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// SubscribeResource implements mcp.ResourceSubscriptionHandler.
func (s *Server) SubscribeResource(params mcp.SubscribeResourceParams) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	s.subs[params.URI] = struct{}{}
}

// UnsubscribeResource implements mcp.ResourceSubscriptionHandler.
func (s *Server) UnsubscribeResource(params mcp.UnsubscribeResourceParams) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	delete(s.subs, params.URI)
}

// SubscribedResourceUpdates implements mcp.ResourceSubscriptionHandler.
func (s *Server) SubscribedResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-s.done:
				return
			case uri := <-s.updates:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

// ResourceListUpdates implements mcp.ResourceListUpdater. It fires when a recorded run
// starts or finishes.
func (s *Server) ResourceListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.listUpdates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

func (s *Server) subscribed(uri string) bool {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	_, ok := s.subs[uri]
	return ok
}

// resourceUpdated queues an update for uri if a client subscribed to it. Updates are
// dropped while the queue is full so simulator calls never wait on clients.
func (s *Server) resourceUpdated(uri string) {
	if !s.subscribed(uri) {
		return
	}
	select {
	case s.updates <- uri:
	case <-s.done:
	default:
		s.logger.Debug("dropped resource update", slog.String("uri", uri))
	}
}

// runsChanged signals that the run list changed. Pending signals are coalesced.
func (s *Server) runsChanged() {
	select {
	case s.listUpdates <- struct{}{}:
	default:
	}
	s.resourceUpdated(runsURI)
}
