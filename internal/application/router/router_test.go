package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/codesync/internal/application/lifecycle"
	"github.com/hilthontt/codesync/internal/application/presence"
	"github.com/hilthontt/codesync/internal/application/roomstore"
	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/executor"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
	"github.com/hilthontt/codesync/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/codesync/internal/infrastructure/ws"
	"github.com/hilthontt/codesync/internal/persistence/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Execute(_ context.Context, fileName, code string) executor.Result {
	f.mu.Lock()
	f.calls = append(f.calls, fileName)
	f.mu.Unlock()
	return executor.Result{Output: "ran " + code, Language: executor.LanguageFor(fileName)}
}

type failingRepo struct{}

func (failingRepo) FindByKey(context.Context, string) (*domain.Room, error) {
	return nil, errors.New("db down")
}

func (failingRepo) Upsert(context.Context, *domain.Room) error { return errors.New("db down") }

type harness struct {
	router    *Router
	clients   *ws.RoomManager
	store     *roomstore.Store
	presence  *presence.Registry
	lifecycle *lifecycle.Manager
	runner    *fakeRunner
	repo      domain.RoomRepository
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, repo domain.RoomRepository) *harness {
	t.Helper()
	if repo == nil {
		repo = repository.NewMemoryRoomRepository()
	}

	store := roomstore.New(repo, roomstore.Options{FlushDebounce: time.Hour})
	registry := presence.NewRegistry()
	m := metrics.New(prometheus.NewRegistry())
	manager := lifecycle.NewManager(registry, store, lifecycle.Options{EvictionDelay: time.Hour, Metrics: m})
	clients := ws.NewRoomManager(nil, nil)
	runner := &fakeRunner{}

	r := New(Deps{
		Store:     store,
		Presence:  registry,
		Lifecycle: manager,
		Sender:    clients,
		Runner:    runner,
		Limiter:   ratelimiter.NewSlidingWindow(2, time.Minute),
	}, Config{})

	t.Cleanup(func() {
		manager.Stop()
		store.Stop()
	})

	return &harness{router: r, clients: clients, store: store, presence: registry, lifecycle: manager, runner: runner, repo: repo, metrics: m}
}

func (h *harness) connect(id string) *ws.Client {
	c := ws.NewClient(nil, id, nil)
	h.clients.AddClient(c)
	return c
}

func (h *harness) send(c *ws.Client, eventType, roomID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	h.router.HandleMessage(context.Background(), c, &ws.Inbound{Type: eventType, RoomID: roomID, Data: raw})
}

func (h *harness) join(t *testing.T, c *ws.Client, roomKey, name string) {
	t.Helper()
	h.send(c, ws.Join, roomKey, ws.JoinPayload{RoomID: roomKey, Username: name})
}

// drain returns everything currently queued for c.
func drain(c *ws.Client) []*ws.WSMessage {
	var out []*ws.WSMessage
	for {
		select {
		case m := <-c.Message:
			out = append(out, m)
		default:
			return out
		}
	}
}

func types(msgs []*ws.WSMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func errorCodeOf(t *testing.T, msgs []*ws.WSMessage) string {
	t.Helper()
	require.Len(t, msgs, 1)
	require.Equal(t, ws.ErrorEvent, msgs[0].Type)
	return msgs[0].Data.(ws.ErrorPayload).Code
}

func TestJoin_SnapshotToJoinerAndMembersToAll(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")

	h.join(t, a, "R1", "alice")
	got := drain(a)
	require.Equal(t, []string{ws.Joined, ws.FilesSync}, types(got))
	snap := got[1].Data.(domain.Snapshot)
	require.Contains(t, snap.Files, "src/index.js")
	require.Contains(t, snap.Files, "README.md")
	require.Equal(t, "src/index.js", *snap.ActiveFile)

	h.join(t, b, "R1", "bob")
	gotA, gotB := drain(a), drain(b)
	require.Equal(t, []string{ws.Joined}, types(gotA))
	require.Equal(t, []string{ws.Joined, ws.FilesSync}, types(gotB))

	joined := gotA[0].Data.(ws.JoinedPayload)
	require.Len(t, joined.Clients, 2)
	require.Equal(t, "bob", joined.Username)
	require.Equal(t, "b", joined.SocketID)
}

func TestJoin_Validation(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("c")

	h.join(t, c, "", "alice")
	require.Equal(t, "INVALID_INPUT", errorCodeOf(t, drain(c)))

	h.join(t, c, "R1", "   ")
	require.Equal(t, "INVALID_INPUT", errorCodeOf(t, drain(c)))

	_, _, ok := h.presence.Lookup("c")
	require.False(t, ok)
}

func TestJoin_LoadFailureLeavesNoMembership(t *testing.T) {
	h := newHarness(t, failingRepo{})
	c := h.connect("c")

	h.join(t, c, "R1", "alice")
	require.Equal(t, "ROOM_UNAVAILABLE", errorCodeOf(t, drain(c)))
	require.Equal(t, 0, h.presence.Count("R1"))
}

func TestEventsRequireJoin(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("c")

	h.send(c, ws.FileCreate, "R1", ws.FilePayload{FileName: "x.js"})
	require.Equal(t, "NOT_JOINED", errorCodeOf(t, drain(c)))

	h.join(t, c, "R1", "alice")
	drain(c)
	h.send(c, ws.FileCreate, "R2", ws.FilePayload{FileName: "x.js"})
	require.Equal(t, "NOT_JOINED", errorCodeOf(t, drain(c)))
}

func TestFileChange_DeltaToOthersOnly(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.send(a, ws.FileChange, "R1", ws.FileChangePayload{FileName: "src/index.js", NewCode: "let x = 1"})

	require.Empty(t, drain(a))
	gotB := drain(b)
	require.Equal(t, []string{ws.FileChange}, types(gotB))
	require.Equal(t, "let x = 1", gotB[0].Data.(ws.FileChangePayload).NewCode)
	require.True(t, h.store.FlushPending("R1"))
}

func TestFileChange_TooLargeRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.router.cfg.MaxFileSize = 4
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.send(a, ws.FileChange, "R1", ws.FileChangePayload{FileName: "src/index.js", NewCode: "too long"})
	require.Equal(t, "PAYLOAD_TOO_LARGE", errorCodeOf(t, drain(a)))
	require.Empty(t, drain(b))
}

func TestCursorMove_UsesServerSideName(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.send(a, ws.CursorMove, "R1", map[string]any{"cursor": map[string]int{"line": 3}, "username": "mallory"})

	require.Empty(t, drain(a))
	gotB := drain(b)
	require.Len(t, gotB, 1)
	p := gotB[0].Data.(ws.CursorPayload)
	require.Equal(t, "alice", p.Username)
	require.Equal(t, "a", p.SocketID)
	require.JSONEq(t, `{"line":3}`, string(p.Cursor))
	require.False(t, h.store.FlushPending("R1"))
}

func TestSendMessage_ToEveryoneAndPersisted(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.send(a, ws.SendMessage, "R1", ws.ChatPayload{Text: "hello"})

	for _, c := range []*ws.Client{a, b} {
		got := drain(c)
		require.Equal(t, []string{ws.ReceiveMessage}, types(got))
		line := got[0].Data.(domain.Message)
		require.Equal(t, "alice", line.Username)
		require.Equal(t, "hello", line.Text)
	}

	require.NoError(t, h.store.View("R1", func(r *domain.Room) {
		require.Len(t, r.Messages, 1)
	}))

	h.send(a, ws.SendMessage, "R1", ws.ChatPayload{Text: ""})
	require.Equal(t, "EMPTY_MESSAGE", errorCodeOf(t, drain(a)))
	require.Empty(t, drain(b))
}

func TestTreeMutations_FullSnapshotToAll(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	lastSnapshot := func() domain.Snapshot {
		gotA, gotB := drain(a), drain(b)
		require.Equal(t, []string{ws.FilesSync}, types(gotA))
		require.Equal(t, []string{ws.FilesSync}, types(gotB))
		return gotB[0].Data.(domain.Snapshot)
	}

	h.send(a, ws.FileCreate, "R1", ws.FilePayload{FileName: "src/util<>.js"})
	snap := lastSnapshot()
	require.Contains(t, snap.Files, "src/util.js")
	require.Equal(t, "", snap.Files["src/util.js"])

	h.send(b, ws.FileRename, "R1", ws.FileRenamePayload{OldFileName: "src", NewFileName: "lib"})
	snap = lastSnapshot()
	require.Contains(t, snap.Files, "lib/index.js")
	require.Contains(t, snap.Files, "lib/util.js")
	require.NotContains(t, snap.Files, "src/index.js")
	require.Equal(t, "lib/index.js", *snap.ActiveFile)

	h.send(a, ws.ActiveFileChange, "R1", ws.FilePayload{FileName: "README.md"})
	snap = lastSnapshot()
	require.Equal(t, "README.md", *snap.ActiveFile)

	h.send(a, ws.FileDelete, "R1", ws.FilePayload{FileName: "README.md"})
	snap = lastSnapshot()
	require.NotContains(t, snap.Files, "README.md")
	require.Equal(t, "lib/index.js", *snap.ActiveFile)

	h.send(a, ws.FileDelete, "R1", ws.FilePayload{FileName: "lib"})
	snap = lastSnapshot()
	require.Empty(t, snap.Files)
	require.Nil(t, snap.ActiveFile)
}

func TestTreeMutations_RejectionsGoToRequesterOnly(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.send(a, ws.FileCreate, "R1", ws.FilePayload{FileName: "README.md"})
	require.Equal(t, "FILE_EXISTS", errorCodeOf(t, drain(a)))

	h.send(a, ws.FileCreate, "R1", ws.FilePayload{FileName: "<>"})
	require.Equal(t, "INVALID_PATH", errorCodeOf(t, drain(a)))

	h.send(a, ws.FileDelete, "R1", ws.FilePayload{FileName: "nope"})
	require.Equal(t, "FILE_NOT_FOUND", errorCodeOf(t, drain(a)))

	h.send(a, ws.FileRename, "R1", ws.FileRenamePayload{OldFileName: "README.md", NewFileName: "src/index.js"})
	require.Equal(t, "FILE_EXISTS", errorCodeOf(t, drain(a)))

	h.send(a, ws.ActiveFileChange, "R1", ws.FilePayload{FileName: "missing.js"})
	require.Equal(t, "FILE_NOT_FOUND", errorCodeOf(t, drain(a)))

	require.Empty(t, drain(b))
	require.False(t, h.store.FlushPending("R1"))
}

func TestCodeRun_BroadcastsResultToAll(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.send(a, ws.CodeRun, "R1", ws.CodeRunPayload{FileName: "main.py", Code: "print(1)"})
	h.router.Wait()

	for _, c := range []*ws.Client{a, b} {
		got := drain(c)
		require.Equal(t, []string{ws.CodeRun}, types(got))
		require.Equal(t, "ran print(1)", got[0].Data.(ws.CodeRunResultPayload).Result)
	}
}

func TestCodeRun_RateLimitedRequesterOnly(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	for range 2 {
		h.send(a, ws.CodeRun, "R1", ws.CodeRunPayload{FileName: "a.js", Code: "1"})
	}
	h.router.Wait()
	drain(a)
	drain(b)

	h.send(a, ws.CodeRun, "R1", ws.CodeRunPayload{FileName: "a.js", Code: "1"})
	h.router.Wait()

	got := drain(a)
	require.Equal(t, []string{ws.RateLimited}, types(got))
	p := got[0].Data.(ws.ErrorPayload)
	require.Equal(t, "RATE_LIMITED", p.Code)
	require.Positive(t, p.RetryAfterMs)
	require.Empty(t, drain(b))

	// Another connection has its own window.
	h.send(b, ws.CodeRun, "R1", ws.CodeRunPayload{FileName: "a.js", Code: "2"})
	h.router.Wait()
	require.Equal(t, []string{ws.CodeRun}, types(drain(b)))
	require.Len(t, h.runner.calls, 3)
}

func TestCodeRun_KeepFilesNotExecuted(t *testing.T) {
	h := newHarness(t, nil)
	a := h.connect("a")
	h.join(t, a, "R1", "alice")
	drain(a)

	h.send(a, ws.CodeRun, "R1", ws.CodeRunPayload{FileName: "src/.keep", Code: ""})
	h.router.Wait()
	require.Equal(t, "NOT_RUNNABLE", errorCodeOf(t, drain(a)))
	require.Empty(t, h.runner.calls)
}

func TestDisconnect_NotifiesRemainingAndArmsEviction(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.router.HandleDisconnect(a)
	got := drain(b)
	require.Equal(t, []string{ws.Disconnected}, types(got))
	p := got[0].Data.(ws.DisconnectedPayload)
	require.Equal(t, "a", p.SocketID)
	require.Equal(t, "alice", p.Username)
	require.Zero(t, testutil.ToFloat64(h.metrics.PendingEvicts))
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.ActiveRooms))

	h.router.HandleDisconnect(b)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PendingEvicts))
	require.Zero(t, testutil.ToFloat64(h.metrics.ActiveRooms))

	// Disconnecting twice is harmless.
	h.router.HandleDisconnect(b)
}

func TestJoin_SwitchingRoomsAnnouncesDeparture(t *testing.T) {
	h := newHarness(t, nil)
	a, b := h.connect("a"), h.connect("b")
	h.join(t, a, "R1", "alice")
	h.join(t, b, "R1", "bob")
	drain(a)
	drain(b)

	h.join(t, a, "R2", "alice")
	require.Equal(t, []string{ws.Disconnected}, types(drain(b)))
	require.Equal(t, []string{ws.Joined, ws.FilesSync}, types(drain(a)))
	require.Equal(t, 1, h.presence.Count("R1"))
	require.Equal(t, 1, h.presence.Count("R2"))
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("c")

	h.router.HandleMessage(context.Background(), c, &ws.Inbound{Type: "explode"})
	require.Equal(t, "UNKNOWN_EVENT", errorCodeOf(t, drain(c)))
}

func TestMalformedPayload(t *testing.T) {
	h := newHarness(t, nil)
	c := h.connect("c")
	h.join(t, c, "R1", "alice")
	drain(c)

	h.router.HandleMessage(context.Background(), c, &ws.Inbound{Type: ws.FileCreate, Data: json.RawMessage(`"nope"`)})
	require.Equal(t, "BAD_REQUEST", errorCodeOf(t, drain(c)))
}
