// Package remotecache defines the contract for the "team cache" push
// library, which spec.md §1 treats as an external collaborator: "an
// opaque RemoteCacheSession that accepts store paths and returns when
// drained". No concrete push implementation lives in this repo; NoopSession
// is the zero-dependency stand-in used when no remote session is
// configured.
package remotecache

import (
	"context"

	"github.com/nixcache/nixcache/internal/store"
)

// Session accepts store paths discovered during a workflow and drains
// them to wherever the opaque push library sends them. Its internal
// synchronization and worker count are opaque to this daemon (spec.md
// §5 "Shared-resource policy").
type Session interface {
	// Enqueue hands a store path to the session for eventual push.
	Enqueue(ctx context.Context, p store.StorePath) error
	// Drain blocks until every enqueued path has been pushed (or
	// failed), matching WorkflowAPI's finish sequencing (spec.md §4.H).
	Drain(ctx context.Context) error
}

// NoopSession is a Session that immediately succeeds without doing
// anything, used when the daemon is run without a configured remote-cache
// push library.
type NoopSession struct{}

func (NoopSession) Enqueue(ctx context.Context, p store.StorePath) error { return nil }
func (NoopSession) Drain(ctx context.Context) error                     { return nil }
