// Package supervisor owns the daemon's top-level state machine and
// process lifecycle (spec.md §4.J), wiring the HTTP surfaces, the
// build-event subscriber, and the credential refresher together and
// driving graceful shutdown, grounded on rclone's cmd/serve long-running
// server pattern (bind, serve until signalled, graceful-shutdown,
// flush).
package supervisor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/events"
	"github.com/nixcache/nixcache/internal/httpapi"
	"github.com/nixcache/nixcache/internal/logging"
	"github.com/nixcache/nixcache/internal/telemetry"
)

// State is the daemon's lifecycle stage (spec.md §4.J "State machine").
type State int

const (
	Initializing State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor owns the one-shot shutdown channel and the global state
// container (spec.md §4.J), and is the only component allowed to
// transition State.
type Supervisor struct {
	ListenAddr string
	BinaryCache *httpapi.BinaryCache
	Workflow    *httpapi.Workflow
	Subscriber  *events.Subscriber
	Refresher   *backend.CredentialRefresher
	Metrics     *telemetry.Metrics
	Log         logging.Identity

	// Shutdown is the channel httpapi.Workflow's workflow-finish handler
	// sends on. Supervisor owns its lifetime; httpapi only ever writes
	// to it.
	Shutdown chan struct{}

	state State
	srv   *http.Server
}

func (s *Supervisor) String() string { return "supervisor" }

func (s *Supervisor) State() State { return s.state }

// Run binds the HTTP listener, starts the build-event subscriber and
// credential refresher, and blocks until a shutdown signal arrives (via
// Shutdown or ctx cancellation), then drains and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.state = Initializing

	r := chi.NewRouter()
	if s.BinaryCache != nil {
		s.BinaryCache.Routes(r)
	}
	if s.Workflow != nil {
		s.Workflow.Routes(r)
	}
	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(s.State().String()))
	})

	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "supervisor: binding %s", s.ListenAddr)
	}

	s.srv = &http.Server{Handler: r}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- s.srv.Serve(ln)
	}()

	subCtx, cancelSub := context.WithCancel(ctx)
	defer cancelSub()
	if s.Subscriber != nil {
		go s.Subscriber.Run(subCtx)
	}
	if s.Refresher != nil {
		go s.Refresher.Run(subCtx)
	}

	s.state = Running
	logging.Infof(s, "running, listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
	case <-s.Shutdown:
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "supervisor: HTTP server failed")
		}
	}

	s.state = Draining
	cancelSub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf(s, "graceful shutdown error: %v", err)
	}

	if s.Metrics != nil {
		if err := s.Metrics.Flush(context.Background(), nil); err != nil {
			logging.Errorf(s, "telemetry flush error: %v", err)
		}
	}

	s.state = Stopped
	logging.Infof(s, "stopped")
	return nil
}
