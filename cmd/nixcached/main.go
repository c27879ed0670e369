// Command nixcached runs the local binary-cache daemon: it serves the
// Nix binary-cache wire protocol, uploads newly built store paths to a
// configured remote cache backend, and coordinates its lifecycle with a
// CI workflow via a small loopback HTTP API.
//
// CLI argument parsing beyond the loopback bind address and a debug
// logging switch is explicitly out of scope (spec.md §1 non-goals); flag
// is used only for those two values, matching SPEC_FULL.md §2's
// ambient-stack note that `flag` is this repo's one deliberately
// stdlib-only concern.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/config"
	"github.com/nixcache/nixcache/internal/events"
	"github.com/nixcache/nixcache/internal/httpapi"
	"github.com/nixcache/nixcache/internal/logging"
	"github.com/nixcache/nixcache/internal/negativecache"
	"github.com/nixcache/nixcache/internal/remotecache"
	"github.com/nixcache/nixcache/internal/supervisor"
	"github.com/nixcache/nixcache/internal/telemetry"
	"github.com/nixcache/nixcache/internal/version"
)

func main() {
	listenAddr := flag.String("listen-addr", "", "loopback address to bind (overrides NIXCACHE_LISTEN_ADDR)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logging.SetLevel(logrus.DebugLevel)
	}

	if err := run(*listenAddr); err != nil {
		logging.Errorf(logging.Of("main"), "fatal: %v", err)
		os.Exit(1)
	}
}

func run(listenAddrOverride string) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	if listenAddrOverride != "" {
		cfg.ListenAddr = listenAddrOverride
	}

	cacheVersion := version.New()
	cacheVersion.Append([]byte(cfg.BaseURL))
	cacheVersion.Freeze()

	metrics := telemetry.New()
	negCache := negativecache.New()

	objStore, err := objectStoreFactory()
	if err != nil {
		return fmt.Errorf("nixcached: %w", err)
	}

	var client backend.Client
	var v1 *backend.ClientV1
	onTrip := func() {
		logging.Errorf(logging.Of("circuit-breaker"), "backend circuit breaker tripped")
		if metrics != nil {
			metrics.CircuitBreakerTripped.WithLabelValues("backend").Set(1)
		}
	}
	httpClient := &http.Client{}
	if cfg.UseV2 {
		client = backend.NewClientV2(httpClient, cfg.BaseURL, onTrip, logging.Of("backend-v2"))
	} else {
		v1 = backend.NewClientV1(httpClient, cfg.BaseURL, cfg.Token, cfg.MaxConcurrency, onTrip, logging.Of("backend-v1"))
		client = v1
	}

	pipe := newPipeline(objStore, client, negCache, metrics, cacheVersion, cfg.ChunkSize)
	queue := newUploadQueue(objStore, pipe, client.Breaker())

	shutdown := make(chan struct{}, 1)

	binCache := &httpapi.BinaryCache{
		Backend:   client,
		Negative:  negCache,
		Version:   cacheVersion,
		Upstreams: cfg.Upstreams,
		Metrics:   metrics,
		Log:       logging.Of("binary-cache-http"),
	}

	workflow := &httpapi.Workflow{
		Store:    objStore,
		Queue:    queue,
		Session:  remotecache.NoopSession{},
		Metrics:  metrics,
		Log:      logging.Of("workflow-api"),
		Shutdown: shutdown,
	}

	var subscriber *events.Subscriber
	if cfg.BuildEventSocket != "" {
		subscriber = &events.Subscriber{
			SocketPath: cfg.BuildEventSocket,
			Path:       cfg.BuildEventPath,
			Store:      objStore,
			Queue:      queue,
			Metrics:    metrics,
			Log:        logging.Of("build-event-subscriber"),
		}
	}

	var refresher *backend.CredentialRefresher
	if v1 != nil && cfg.CredentialsFile != "" {
		refresher = &backend.CredentialRefresher{
			Path:   cfg.CredentialsFile,
			Read:   backend.ReadTokenFromFile(cfg.CredentialsFile),
			Target: v1,
			Log:    logging.Of("credential-refresher"),
		}
	}

	super := &supervisor.Supervisor{
		ListenAddr:  cfg.ListenAddr,
		BinaryCache: binCache,
		Workflow:    workflow,
		Subscriber:  subscriber,
		Refresher:   refresher,
		Metrics:     metrics,
		Log:         logging.Of("supervisor"),
		Shutdown:    shutdown,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return super.Run(ctx)
}
