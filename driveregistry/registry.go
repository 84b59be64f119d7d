// Package driveregistry is the single source of truth for open drives: it
// guarantees at most one Drive handle per ChannelKey in a node, bridges a
// channel key to its I/O, and joins each drive's discovery topic on the
// overlay exactly once (spec.md §4.1).
package driveregistry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ayooooo123/peartube-sub004/appendlog"
	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/params"
	"github.com/ayooooo123/peartube-sub004/perr"
)

// Joiner is the overlay-facing half of DriveRegistry's contract: join a
// discovery topic and wait for the join to flush so the node is announced
// (spec.md §4.1). swarm.Host implements this; it is the interface boundary
// spec.md §1 calls out as "assumed provided by a library".
type Joiner interface {
	Join(ctx context.Context, topic [32]byte) error
}

// OpenOptions configures DriveRegistry.Open (spec.md §4.1).
type OpenOptions struct {
	WaitForSync bool
	SyncTimeout time.Duration
}

// Registry owns every open Drive in the node.
type Registry struct {
	mu       sync.Mutex
	byKey    map[common.ChannelKey]*appendlog.Drive
	byDisc   map[[32]byte]*appendlog.Drive
	joined   map[[32]byte]bool
	dataRoot string
	joiner   Joiner
	log      *log.Logger
}

// New creates a registry rooted at dataRoot (used for each drive's local
// blob-log file) that joins topics through joiner.
func New(dataRoot string, joiner Joiner) *Registry {
	r := &Registry{
		byKey:    make(map[common.ChannelKey]*appendlog.Drive),
		byDisc:   make(map[[32]byte]*appendlog.Drive),
		joined:   make(map[[32]byte]bool),
		dataRoot: dataRoot,
		joiner:   joiner,
		log:      log.New("component", "driveregistry"),
	}
	return r
}

// DriveByDiscoveryKey returns the open drive registered under discovery key
// dk, or nil. Its signature fits appendlog.NewLoopbackSource's lookup; the
// registry itself does not install a LoopbackSource on any drive.
func (r *Registry) DriveByDiscoveryKey(dk [32]byte) *appendlog.Drive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDisc[dk]
}

// DriveByChannelKey returns the already-open Drive for key, or nil if the
// node hasn't opened it yet. Unlike Open, this never constructs or joins a
// drive; BlobBridge uses it because a blob URL is only handed out after the
// drive has been opened (coreapi's getVideoUrl resolves the video through
// Open before building the link).
func (r *Registry) DriveByChannelKey(key common.ChannelKey) *appendlog.Drive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[key]
}

// Open returns the Drive for key, constructing and joining it on first
// use (spec.md §4.1). Fails with perr.ErrInvalidKey if key is malformed
// (it never is, since common.ChannelKey can only be constructed through
// ParseChannelKey, but callers passing a zero-value key are rejected too).
func (r *Registry) Open(ctx context.Context, key common.ChannelKey, opts OpenOptions) (*appendlog.Drive, error) {
	if !key.IsValid() {
		return nil, fmt.Errorf("%w: %s", perr.ErrInvalidKey, key)
	}

	r.mu.Lock()
	if d, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		if opts.WaitForSync {
			timeout := opts.SyncTimeout
			if timeout <= 0 {
				timeout = params.DefaultSyncTimeout
			}
			_ = r.SyncWait(ctx, d, timeout)
		}
		return d, nil
	}
	r.mu.Unlock()

	d, err := appendlog.OpenReplicaDrive(key, r.driveDir(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perr.ErrInternal, err)
	}
	<-d.Ready()

	if err := r.joinTopic(ctx, d.DiscoveryKey()); err != nil {
		r.log.Warn("joining discovery topic failed", "key", key, "err", err)
	}

	r.mu.Lock()
	// Another caller may have raced us to the same key; the first writer
	// wins (spec.md §4.1: "No duplicate opens per key").
	if existing, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.byKey[key] = d
	r.byDisc[d.DiscoveryKey()] = d
	r.mu.Unlock()

	if opts.WaitForSync {
		timeout := opts.SyncTimeout
		if timeout <= 0 {
			timeout = params.DefaultSyncTimeout
		}
		if timeout > params.MaxSyncTimeout {
			timeout = params.MaxSyncTimeout
		}
		_ = r.SyncWait(ctx, d, timeout)
	}
	return d, nil
}

// Create generates a new owner drive, joins its discovery topic, and
// registers it (spec.md §4.1 create()).
func (r *Registry) Create(ctx context.Context) (*appendlog.Drive, common.ChannelKey, error) {
	dir, err := randomDir(r.dataRoot)
	if err != nil {
		return nil, common.ZeroKey, fmt.Errorf("%w: %v", perr.ErrInternal, err)
	}
	d, err := appendlog.NewOwnedDrive(dir)
	if err != nil {
		return nil, common.ZeroKey, fmt.Errorf("%w: %v", perr.ErrInternal, err)
	}
	if err := r.joinTopic(ctx, d.DiscoveryKey()); err != nil {
		r.log.Warn("joining discovery topic for new drive failed", "key", d.Key(), "err", err)
	}

	r.mu.Lock()
	r.byKey[d.Key()] = d
	r.byDisc[d.DiscoveryKey()] = d
	r.mu.Unlock()

	return d, d.Key(), nil
}

// SyncWait triggers an update of the metadata log with a bounded wait,
// swallowing timeout errors (spec.md §4.1). It is an observational helper:
// its return value is always nil.
func (r *Registry) SyncWait(ctx context.Context, d *appendlog.Drive, timeout time.Duration) error {
	_ = d.SyncWait(ctx, timeout)
	return nil
}

func (r *Registry) joinTopic(ctx context.Context, topic [32]byte) error {
	r.mu.Lock()
	if r.joined[topic] {
		r.mu.Unlock()
		return nil
	}
	r.joined[topic] = true
	r.mu.Unlock()

	if r.joiner == nil {
		return nil
	}
	return r.joiner.Join(ctx, topic)
}

func (r *Registry) driveDir(key common.ChannelKey) string {
	if r.dataRoot == "" {
		return ""
	}
	return r.dataRoot + "/drives/" + key.String()
}

func randomDir(root string) (string, error) {
	if root == "" {
		return "", nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/drives/new-%d", root, n), nil
}
