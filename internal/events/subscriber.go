// Package events implements BuildEventSubscriber (spec.md §4.I): a
// reconnecting server-sent-events client over a Unix-domain HTTP/2
// socket that feeds completed build outputs into the upload queue.
//
// Grounded on rclone's fshttp.NewTransport dial-customization pattern
// (a *http.Transport with a replaced DialContext) generalized from TCP
// to a Unix-domain socket, and golang.org/x/net/http2 (present in the
// teacher's go.mod via the rest/serve stack) for cleartext HTTP/2
// (h2c) framing, since the local build-event endpoint speaks h2c over
// a filesystem socket rather than negotiating ALPN over TLS.
package events

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/nixcache/nixcache/internal/logging"
	"github.com/nixcache/nixcache/internal/store"
	"github.com/nixcache/nixcache/internal/telemetry"
	"github.com/nixcache/nixcache/internal/uploadqueue"
)

// ReconnectDelay is how long the subscriber waits before retrying a
// dropped or failed connection (spec.md §4.I "Reconnect policy").
const ReconnectDelay = 10 * time.Second

// buildEvent is the JSON payload carried by each `data: ` frame.
type buildEvent struct {
	Drv     string   `json:"drv"`
	Outputs []string `json:"outputs"`
}

// Subscriber connects to a local Unix-domain HTTP/2 endpoint emitting
// build-completion events and enqueues their outputs.
type Subscriber struct {
	SocketPath string
	Path       string // e.g. "/built-paths" or "/events"
	Store      store.ObjectStore
	Queue      *uploadqueue.Queue
	Metrics    *telemetry.Metrics
	Log        logging.Identity

	// client and baseURL are overridable by tests so the SSE-parsing and
	// reconnect logic can be exercised against an httptest.Server
	// without a real Unix-domain HTTP/2 listener.
	client  *http.Client
	baseURL string
}

func (s *Subscriber) String() string { return "build-event-subscriber" }

func (s *Subscriber) httpClient() *http.Client {
	if s.client != nil {
		return s.client
	}
	s.client = &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			// DialTLSContext dials the Unix socket directly rather than
			// performing a real TLS handshake: the build-event endpoint
			// speaks cleartext HTTP/2 (h2c) over a filesystem socket with
			// no certificate to verify.
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", s.SocketPath)
			},
		},
	}
	return s.client
}

// Run connects and reconnects indefinitely until ctx is cancelled,
// matching spec.md §4.I's "reconnect indefinitely" policy.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndStream(ctx); err != nil {
			logging.Errorf(s, "build-event stream error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ReconnectDelay):
		}
	}
}

func (s *Subscriber) connectAndStream(ctx context.Context) error {
	base := s.baseURL
	if base == "" {
		base = "http://build-events.invalid"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+s.Path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		s.handleEvent(ctx, payload)
	}
	return scanner.Err()
}

func (s *Subscriber) handleEvent(ctx context.Context, payload string) {
	var ev buildEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logging.Errorf(s, "malformed build event, skipping: %v", err)
		if s.Metrics != nil {
			s.Metrics.BuildEventsMalformedTotal.Inc()
		}
		return
	}

	var resolved []store.StorePath
	for _, out := range ev.Outputs {
		sp, err := s.Store.Follow(ctx, out)
		if err != nil {
			logging.Errorf(s, "build event for %s: following output %q: %v", ev.Drv, out, err)
			continue
		}
		resolved = append(resolved, sp)
	}
	if len(resolved) == 0 {
		return
	}
	if err := s.Queue.Enqueue(ctx, resolved); err != nil {
		logging.Errorf(s, "build event for %s: enqueuing outputs: %v", ev.Drv, err)
	}
}
