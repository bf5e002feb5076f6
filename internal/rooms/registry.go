// Package rooms implements the room synchronization server: a registry of
// active rooms, each binding one in-memory CRDT document to the set of peers
// editing it, with load-on-join, relay, debounced title projection, and
// flush-plus-compaction once a room goes quiescent.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/macrat/markdown-board/internal/crdt"
	"github.com/macrat/markdown-board/internal/pages"
	"github.com/macrat/markdown-board/internal/updates"
)

var (
	errMissingStore = errors.New("update log store is required")
	errMissingPages = errors.New("pages service is required")
)

const (
	defaultDebounceInterval = 2 * time.Second
	defaultMaxWait          = 20 * time.Second
	defaultLoadTimeout      = 5 * time.Second
)

// RegistryConfig describes the dependencies of a room Registry.
type RegistryConfig struct {
	Store            *updates.Store
	Pages            *pages.Service
	Logger           *zap.Logger
	DebounceInterval time.Duration
	MaxWait          time.Duration
	LoadTimeout      time.Duration
}

// Registry owns every active room, keyed by document name. All room
// lifecycle transitions (create, join, leave, drain) go through the registry;
// connection handlers never touch the room map directly.
type Registry struct {
	store            *updates.Store
	pages            *pages.Service
	logger           *zap.Logger
	debounceInterval time.Duration
	maxWait          time.Duration
	loadTimeout      time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("rooms: %w", errMissingStore)
	}
	if cfg.Pages == nil {
		return nil, fmt.Errorf("rooms: %w", errMissingPages)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounceInterval := cfg.DebounceInterval
	if debounceInterval <= 0 {
		debounceInterval = defaultDebounceInterval
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	return &Registry{
		store:            cfg.Store,
		pages:            cfg.Pages,
		logger:           logger,
		debounceInterval: debounceInterval,
		maxWait:          maxWait,
		loadTimeout:      loadTimeout,
		rooms:            make(map[string]*Room),
	}, nil
}

// Join attaches a new peer to the named room, creating and loading the room
// on first join. The wait for the initial load is bounded: past the load
// timeout the room proceeds with an empty document and any late load result
// is discarded.
func (r *Registry) Join(ctx context.Context, docName string) (*Room, *Peer, error) {
	r.mu.Lock()
	room, ok := r.rooms[docName]
	if !ok {
		room = r.newRoom(docName)
		r.rooms[docName] = room
		go room.load(context.Background())
	}
	room.refs++
	r.mu.Unlock()

	select {
	case <-room.ready:
	case <-time.After(r.loadTimeout):
		r.logger.Warn("room load timed out, proceeding with empty document",
			zap.String("room", docName))
		room.finishInit(crdt.NewDoc())
	case <-ctx.Done():
		r.release(room)
		return nil, nil, ctx.Err()
	}

	peer := newPeer()
	if err := room.attach(peer); err != nil {
		r.release(room)
		return nil, nil, err
	}
	return room, peer, nil
}

// Leave detaches the peer. When the last peer leaves, the room is drained:
// debounce cancelled, final title projected, log compacted, document
// discarded.
func (r *Registry) Leave(ctx context.Context, room *Room, peer *Peer) {
	room.detach(peer)
	r.releaseCtx(ctx, room)
}

func (r *Registry) release(room *Room) {
	r.releaseCtx(context.Background(), room)
}

// releaseCtx drops one reference. The drain runs while the registry mutex is
// held, which is what makes compaction race-free: no join can observe the
// document name between the last disconnect and the end of the log rewrite.
func (r *Registry) releaseCtx(ctx context.Context, room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.refs--
	if room.refs > 0 {
		return
	}
	delete(r.rooms, room.name)
	room.drain(ctx)
}

// ActiveRooms returns the number of rooms currently held in memory.
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown drains every active room so the catalog and log reflect the final
// in-memory state before the process exits. Peers still connected are closed.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, room := range r.rooms {
		delete(r.rooms, name)
		room.refs = 0
		room.drain(ctx)
	}
}

func (r *Registry) newRoom(docName string) *Room {
	room := &Room{
		name:   docName,
		store:  r.store,
		pages:  r.pages,
		logger: r.logger,
		ready:  make(chan struct{}),
		state:  stateLoading,
		peers:  make(map[*Peer]struct{}),
	}
	room.debounce = newDebouncer(r.debounceInterval, r.maxWait, func() {
		room.projectTitle(context.Background())
	})
	return room
}
