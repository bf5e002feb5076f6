package rooms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/macrat/markdown-board/internal/crdt"
	"github.com/macrat/markdown-board/internal/pages"
	"github.com/macrat/markdown-board/internal/updates"
)

type fixedIDGenerator struct {
	id string
}

func (g *fixedIDGenerator) NewID() (string, error) {
	return g.id, nil
}

type testEnv struct {
	registry *Registry
	store    *updates.Store
	pages    *pages.Service
	db       *gorm.DB
}

func newTestEnv(t *testing.T, cfg RegistryConfig) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:rooms_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&pages.Page{}, &updates.LoggedUpdate{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := updates.NewStore(updates.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	pagesService, err := pages.NewService(pages.ServiceConfig{
		Database:   db,
		IDProvider: &fixedIDGenerator{id: "page-1"},
	})
	if err != nil {
		t.Fatalf("failed to construct pages service: %v", err)
	}

	cfg.Store = store
	cfg.Pages = pagesService
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return &testEnv{registry: registry, store: store, pages: pagesService, db: db}
}

func nextFrame(t *testing.T, peer *Peer) []byte {
	t.Helper()
	select {
	case frame := <-peer.Outbox():
		return frame
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, peer *Peer) {
	t.Helper()
	select {
	case frame := <-peer.Outbox():
		t.Fatalf("unexpected frame: %v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeFrame(t *testing.T, frame []byte) Message {
	t.Helper()
	message, err := DecodeMessage(frame)
	if err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return message
}

func TestJoinSendsStateVectorAnnouncement(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, peer)

	message := decodeFrame(t, nextFrame(t, peer))
	if message.Type != MessageSync || message.SyncType != SyncStep1 {
		t.Fatalf("expected sync step 1, got type %d/%d", message.Type, message.SyncType)
	}
	if _, err := crdt.DecodeStateVector(message.Payload); err != nil {
		t.Fatalf("step 1 payload is not a state vector: %v", err)
	}
}

func TestJoinReplaysPersistedLog(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	source := crdt.NewDoc()
	for _, text := range []string{"A", "B", "C"} {
		update, _ := source.AppendText(1, text)
		if _, err := env.store.Append(ctx, "page-1", update); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, peer)

	if got := room.Text(); got != "ABC" {
		t.Fatalf("expected replayed text ABC, got %q", got)
	}
}

func TestUpdateIsRelayedAndPersisted(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, editor, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, editor)
	_, watcher, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, watcher)

	// Drain the initial handshake frames.
	nextFrame(t, editor)
	nextFrame(t, watcher)

	client := crdt.NewDoc()
	update, _ := client.AppendText(7, "hello")
	room.HandleMessage(ctx, editor, EncodeSyncUpdate(update))

	if got := room.Text(); got != "hello" {
		t.Fatalf("expected document to apply the update, got %q", got)
	}

	relayed := decodeFrame(t, nextFrame(t, watcher))
	if relayed.Type != MessageSync || relayed.SyncType != SyncUpdate {
		t.Fatalf("expected relayed sync update, got %d/%d", relayed.Type, relayed.SyncType)
	}
	expectNoFrame(t, editor)

	count, err := env.store.Count(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted update, got %d", count)
	}
}

func TestStateVectorAnnouncementAnsweredWithDiff(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, peer)
	nextFrame(t, peer)

	client := crdt.NewDoc()
	update, _ := client.AppendText(7, "shared state")
	room.HandleMessage(ctx, peer, EncodeSyncUpdate(update))

	empty := crdt.NewDoc()
	room.HandleMessage(ctx, peer, EncodeSyncStep1(empty.EncodeStateVector()))

	answer := decodeFrame(t, nextFrame(t, peer))
	if answer.Type != MessageSync || answer.SyncType != SyncStep2 {
		t.Fatalf("expected sync step 2, got %d/%d", answer.Type, answer.SyncType)
	}
	if err := empty.ApplyUpdate(answer.Payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := empty.Text(); got != "shared state" {
		t.Fatalf("expected diff to carry full state, got %q", got)
	}
}

func TestAwarenessIsRelayedButNeverPersisted(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, editor, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, editor)
	_, watcher, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, watcher)
	nextFrame(t, editor)
	nextFrame(t, watcher)

	payload := []byte(`{"cursor":3}`)
	room.HandleMessage(ctx, editor, EncodeAwareness(payload))

	relayed := decodeFrame(t, nextFrame(t, watcher))
	if relayed.Type != MessageAwareness {
		t.Fatalf("expected awareness frame, got type %d", relayed.Type)
	}
	if string(relayed.Payload) != string(payload) {
		t.Fatalf("awareness payload mangled: %q", relayed.Payload)
	}

	count, err := env.store.Count(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("awareness must never be persisted, found %d rows", count)
	}
}

func TestMalformedFrameIsDroppedInIsolation(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, editor, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, editor)
	_, watcher, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, watcher)
	nextFrame(t, editor)
	nextFrame(t, watcher)

	room.HandleMessage(ctx, editor, []byte{0x42, 0x00, 0x13})

	if got := room.Text(); got != "" {
		t.Fatalf("malformed frame must not mutate the document, got %q", got)
	}
	expectNoFrame(t, watcher)
}

func TestLastLeaveProjectsTitleAndCompacts(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := env.pages.Create(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextFrame(t, peer)

	client := crdt.NewDoc()
	first, _ := client.AppendText(7, "# Hello")
	second, _ := client.AppendText(7, "\nWorld")
	room.HandleMessage(ctx, peer, EncodeSyncUpdate(first))
	room.HandleMessage(ctx, peer, EncodeSyncUpdate(second))

	env.registry.Leave(ctx, room, peer)

	if got := env.registry.ActiveRooms(); got != 0 {
		t.Fatalf("expected no active rooms after last leave, got %d", got)
	}

	page, err := env.pages.Get(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Title != "Hello" {
		t.Fatalf("expected flushed title Hello, got %q", page.Title)
	}

	count, err := env.store.Count(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected compacted log with 1 row, got %d", count)
	}

	values, err := env.store.Load(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := updates.Replay(values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := doc.Text(); got != "# Hello\nWorld" {
		t.Fatalf("expected compacted state to replay, got %q", got)
	}
}

func TestDebounceProjectsTitleWhileRoomIsActive(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{
		DebounceInterval: 20 * time.Millisecond,
		MaxWait:          time.Second,
	})
	ctx := context.Background()

	if _, err := env.pages.Create(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, peer)
	nextFrame(t, peer)

	client := crdt.NewDoc()
	update, _ := client.AppendText(7, "# Quick")
	room.HandleMessage(ctx, peer, EncodeSyncUpdate(update))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := env.pages.Get(ctx, "page-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if page.Title == "Quick" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("debounced title projection never fired")
}

func TestDocumentsAreIsolatedAcrossRooms(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	roomA, peerA, err := env.registry.Join(ctx, "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, roomA, peerA)
	roomB, peerB, err := env.registry.Join(ctx, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, roomB, peerB)
	nextFrame(t, peerA)
	nextFrame(t, peerB)

	client := crdt.NewDoc()
	update, _ := client.AppendText(7, "only A")
	roomA.HandleMessage(ctx, peerA, EncodeSyncUpdate(update))

	if got := roomB.Text(); got != "" {
		t.Fatalf("update to A must not affect B, got %q", got)
	}
	expectNoFrame(t, peerB)

	count, err := env.store.Count(ctx, "B")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no rows for B, got %d", count)
	}
}

func TestShutdownFlushesActiveRooms(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	if _, err := env.pages.Create(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextFrame(t, peer)

	client := crdt.NewDoc()
	update, _ := client.AppendText(7, "# Final")
	room.HandleMessage(ctx, peer, EncodeSyncUpdate(update))

	env.registry.Shutdown(ctx)

	if got := env.registry.ActiveRooms(); got != 0 {
		t.Fatalf("expected no active rooms after shutdown, got %d", got)
	}
	select {
	case <-peer.Done():
	default:
		t.Fatalf("expected peer to be disconnected by shutdown")
	}

	page, err := env.pages.Get(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Title != "Final" {
		t.Fatalf("expected flushed title Final, got %q", page.Title)
	}
}

func TestSlowPeerIsDisconnectedInsteadOfLosingUpdates(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, editor, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, editor)
	_, slow, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer env.registry.Leave(ctx, room, slow)
	nextFrame(t, editor)
	// The slow peer never drains its outbox.

	client := crdt.NewDoc()
	for i := 0; i < peerOutboxSize+8; i++ {
		update, _ := client.AppendText(7, "x")
		room.HandleMessage(ctx, editor, EncodeSyncUpdate(update))
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected slow peer to be disconnected")
	}
}

func TestShutdownRejectsJoinStillInFlight(t *testing.T) {
	env := newTestEnv(t, RegistryConfig{})
	ctx := context.Background()

	room, peer, err := env.registry.Join(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nextFrame(t, peer)

	// A second join has taken its reference but has not attached yet when
	// the shutdown lands.
	env.registry.mu.Lock()
	room.refs++
	env.registry.mu.Unlock()

	env.registry.Shutdown(ctx)

	late := newPeer()
	if err := room.attach(late); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed from drained room, got %v", err)
	}
	if got := room.PeerCount(); got != 0 {
		t.Fatalf("drained room must not retain peers, got %d", got)
	}

	// The late joiner backing out must not rerun the flush or revive the room.
	env.registry.release(room)
	if got := env.registry.ActiveRooms(); got != 0 {
		t.Fatalf("expected no active rooms, got %d", got)
	}
}
