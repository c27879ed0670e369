// Package config loads the daemon's startup configuration from
// environment variables with an optional JSON file overlay (spec.md §6
// "Environment"), matching the ambient-stack choice in SPEC_FULL.md §2:
// no CLI flag parsing library for business configuration, since
// spec.md's non-goals explicitly exclude CLI argument parsing as a
// concern this repo owns.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nixcache/nixcache/internal/backend"
)

// Config is the immutable, process-lifetime configuration every
// component is constructed from. Built once in cmd/nixcached/main.go and
// passed down by value/reference; never mutated afterward.
type Config struct {
	// Token authenticates outbound requests to the backend.
	Token string
	// BaseURL is the backend's API root, e.g.
	// "https://artifactcache.actions.githubusercontent.com".
	BaseURL string
	// UseV2 selects ClientV2 (typed RPC + append-block) over the default
	// ClientV1 (range-append), matching spec.md §4.B's two protocol
	// variants.
	UseV2 bool
	// MaxConcurrency bounds the per-BackendClient upload semaphore
	// (spec.md §5, "4-5").
	MaxConcurrency int
	// ChunkSize is CHUNK_SIZE from spec.md §4.A, in bytes.
	ChunkSize int
	// Upstreams lists substituter URLs for cache misses (spec.md §4.G).
	// The binary-cache handler redirects to the first entry only; later
	// entries are not consulted.
	Upstreams []string
	// ListenAddr is the loopback address the binary-cache and workflow
	// HTTP surfaces bind to.
	ListenAddr string
	// BuildEventSocket is the Unix-domain socket path the build-event
	// subscriber connects to.
	BuildEventSocket string
	// BuildEventPath is the HTTP path on that socket emitting SSE frames.
	BuildEventPath string
	// CredentialsFile, if set, is re-read on a timer/inode-change by the
	// credential refresher (SPEC_FULL.md §4 supplement of spec.md §5's
	// "Credential refresh").
	CredentialsFile string
}

// fileOverlay mirrors the environment variable names so a JSON file can
// supply the same configuration (spec.md §6: "credentials ... loaded
// from environment variables or a JSON file that mirrors those names").
type fileOverlay struct {
	Token            *string  `json:"NIXCACHE_TOKEN"`
	BaseURL          *string  `json:"NIXCACHE_BASE_URL"`
	UseV2            *bool    `json:"NIXCACHE_USE_V2"`
	MaxConcurrency   *int     `json:"NIXCACHE_MAX_CONCURRENCY"`
	ChunkSize        *int     `json:"NIXCACHE_CHUNK_SIZE"`
	Upstreams        []string `json:"NIXCACHE_UPSTREAMS"`
	ListenAddr       *string  `json:"NIXCACHE_LISTEN_ADDR"`
	BuildEventSocket *string  `json:"NIXCACHE_BUILD_EVENT_SOCKET"`
	BuildEventPath   *string  `json:"NIXCACHE_BUILD_EVENT_PATH"`
	CredentialsFile  *string  `json:"NIXCACHE_CREDENTIALS_FILE"`
}

const (
	defaultMaxConcurrency = backend.DefaultMaxConcurrency
	defaultChunkSize      = 16 << 20
	defaultListenAddr     = "127.0.0.1:3000"
	defaultBuildEventPath = "/events"
)

// Load builds a Config from the process environment, optionally
// overlaid by a JSON file named by NIXCACHE_CONFIG_FILE. Env vars take
// precedence over the file: the file, if present, is applied first, then
// env vars override it, so a CI workflow can ship a
// checked-in file and still override individual values per-job.
func Load(environ func(string) (string, bool)) (*Config, error) {
	if environ == nil {
		environ = os.LookupEnv
	}

	cfg := &Config{
		MaxConcurrency: defaultMaxConcurrency,
		ChunkSize:      defaultChunkSize,
		ListenAddr:     defaultListenAddr,
		BuildEventPath: defaultBuildEventPath,
	}

	if path, ok := environ("NIXCACHE_CONFIG_FILE"); ok && path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, &backend.ErrConfig{Cause: err}
		}
	}

	applyEnv(cfg, environ)

	if cfg.Token == "" {
		return nil, &backend.ErrConfig{Cause: errors.New("NIXCACHE_TOKEN is required")}
	}
	if cfg.BaseURL == "" {
		return nil, &backend.ErrConfig{Cause: errors.New("NIXCACHE_BASE_URL is required")}
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "config: opening %s", path)
	}
	defer f.Close()

	var overlay fileOverlay
	if err := json.NewDecoder(f).Decode(&overlay); err != nil {
		return errors.Wrapf(err, "config: parsing %s", path)
	}

	if overlay.Token != nil {
		cfg.Token = *overlay.Token
	}
	if overlay.BaseURL != nil {
		cfg.BaseURL = *overlay.BaseURL
	}
	if overlay.UseV2 != nil {
		cfg.UseV2 = *overlay.UseV2
	}
	if overlay.MaxConcurrency != nil {
		cfg.MaxConcurrency = *overlay.MaxConcurrency
	}
	if overlay.ChunkSize != nil {
		cfg.ChunkSize = *overlay.ChunkSize
	}
	if overlay.Upstreams != nil {
		cfg.Upstreams = overlay.Upstreams
	}
	if overlay.ListenAddr != nil {
		cfg.ListenAddr = *overlay.ListenAddr
	}
	if overlay.BuildEventSocket != nil {
		cfg.BuildEventSocket = *overlay.BuildEventSocket
	}
	if overlay.BuildEventPath != nil {
		cfg.BuildEventPath = *overlay.BuildEventPath
	}
	if overlay.CredentialsFile != nil {
		cfg.CredentialsFile = *overlay.CredentialsFile
	}
	return nil
}

func applyEnv(cfg *Config, environ func(string) (string, bool)) {
	if v, ok := environ("NIXCACHE_TOKEN"); ok {
		cfg.Token = v
	}
	if v, ok := environ("NIXCACHE_BASE_URL"); ok {
		cfg.BaseURL = v
	}
	if v, ok := environ("NIXCACHE_USE_V2"); ok {
		cfg.UseV2, _ = strconv.ParseBool(v)
	}
	if v, ok := environ("NIXCACHE_MAX_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v, ok := environ("NIXCACHE_CHUNK_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v, ok := environ("NIXCACHE_UPSTREAMS"); ok {
		cfg.Upstreams = splitNonEmpty(v, ',')
	}
	if v, ok := environ("NIXCACHE_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := environ("NIXCACHE_BUILD_EVENT_SOCKET"); ok {
		cfg.BuildEventSocket = v
	}
	if v, ok := environ("NIXCACHE_BUILD_EVENT_PATH"); ok {
		cfg.BuildEventPath = v
	}
	if v, ok := environ("NIXCACHE_CREDENTIALS_FILE"); ok {
		cfg.CredentialsFile = v
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
