// Package router turns client events into room mutations and broadcasts.
//
// Every mutation and the broadcast it causes run inside the room's critical
// section in the store, so two events for one room never interleave. Code runs
// are the exception: the sandbox call happens on its own goroutine and only
// its result is broadcast.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hilthontt/codesync/internal/application/lifecycle"
	"github.com/hilthontt/codesync/internal/application/presence"
	"github.com/hilthontt/codesync/internal/application/roomstore"
	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/events"
	"github.com/hilthontt/codesync/internal/infrastructure/executor"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
	"github.com/hilthontt/codesync/internal/infrastructure/ws"
)

// Sender delivers a message to one connection without blocking.
type Sender interface {
	Send(connID string, msg *ws.WSMessage) bool
}

type CodeRunner interface {
	Execute(ctx context.Context, fileName, code string) executor.Result
}

// Limiter gates code runs per connection.
type Limiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
	Forget(key string)
}

type Config struct {
	MaxPathLength    int
	MaxFileSize      int
	MaxMessageLength int
}

type Deps struct {
	Store     *roomstore.Store
	Presence  *presence.Registry
	Lifecycle *lifecycle.Manager
	Sender    Sender
	Runner    CodeRunner
	Limiter   Limiter
	Publisher events.Publisher
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

type Router struct {
	store     *roomstore.Store
	presence  *presence.Registry
	lifecycle *lifecycle.Manager
	sender    Sender
	runner    CodeRunner
	limiter   Limiter
	publisher events.Publisher
	logger    logging.Logger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time

	runs sync.WaitGroup
}

func New(deps Deps, cfg Config) *Router {
	if cfg.MaxPathLength <= 0 {
		cfg.MaxPathLength = domain.DefaultMaxPathLength
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = domain.DefaultMaxFileSize
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = domain.DefaultMaxMessageLength
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NewNopPublisher()
	}

	return &Router{
		store:     deps.Store,
		presence:  deps.Presence,
		lifecycle: deps.Lifecycle,
		sender:    deps.Sender,
		runner:    deps.Runner,
		limiter:   deps.Limiter,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
}

var known = map[string]bool{
	ws.Join:             true,
	ws.FileChange:       true,
	ws.CursorMove:       true,
	ws.SendMessage:      true,
	ws.FileCreate:       true,
	ws.FileDelete:       true,
	ws.FileRename:       true,
	ws.ActiveFileChange: true,
	ws.CodeRun:          true,
}

func (r *Router) count(eventType string) {
	if r.metrics == nil {
		return
	}
	if !known[eventType] {
		eventType = "unknown"
	}
	r.metrics.Events.WithLabelValues(eventType).Inc()
}

func (r *Router) HandleMessage(ctx context.Context, c *ws.Client, msg *ws.Inbound) {
	r.count(msg.Type)

	switch msg.Type {
	case ws.Join:
		r.handleJoin(ctx, c, msg)
	case ws.FileChange:
		r.handleFileChange(c, msg)
	case ws.CursorMove:
		r.handleCursorMove(c, msg)
	case ws.SendMessage:
		r.handleSendMessage(c, msg)
	case ws.FileCreate:
		r.handleFileCreate(c, msg)
	case ws.FileDelete:
		r.handleFileDelete(c, msg)
	case ws.FileRename:
		r.handleFileRename(c, msg)
	case ws.ActiveFileChange:
		r.handleActiveFileChange(c, msg)
	case ws.CodeRun:
		r.handleCodeRun(ctx, c, msg)
	default:
		c.Send(ws.NewError(msg.RoomID, "UNKNOWN_EVENT", "Unknown event type."))
	}
}

func (r *Router) HandleDisconnect(c *ws.Client) {
	if r.limiter != nil {
		r.limiter.Forget(c.ID)
	}

	left, ok := r.lifecycle.Leave(c.ID)
	if !ok {
		return
	}

	r.announceDeparture(left)
	r.logger.Info(logging.WebSocket, logging.Disconnect, "member left", map[logging.ExtraKey]any{
		logging.RoomKey:  left.RoomKey,
		logging.ConnID:   c.ID,
		logging.Username: left.Member.Username,
		logging.Members:  left.Remaining,
	})
}

// Wait blocks until every in-flight code run has broadcast its result.
func (r *Router) Wait() {
	r.runs.Wait()
}

func (r *Router) broadcast(roomKey string, msg *ws.WSMessage, except string) {
	for _, m := range r.presence.Members(roomKey) {
		if m.ConnID == except {
			continue
		}
		r.sender.Send(m.ConnID, msg)
	}
}

func (r *Router) announceDeparture(left *presence.Departure) {
	if left.Remaining == 0 {
		return
	}
	r.broadcast(left.RoomKey, ws.NewDisconnected(left.RoomKey, left.Member), "")
}

// member resolves the room the connection joined. A payload naming a
// different room is refused.
func (r *Router) member(c *ws.Client, msg *ws.Inbound) (domain.Member, string, bool) {
	m, roomKey, ok := r.presence.Lookup(c.ID)
	if !ok || (msg.RoomID != "" && msg.RoomID != roomKey) {
		c.Send(ws.NewError(msg.RoomID, "NOT_JOINED", "Join the room first."))
		return domain.Member{}, "", false
	}
	return m, roomKey, true
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidPath):
		return "INVALID_PATH"
	case errors.Is(err, domain.ErrFileExists):
		return "FILE_EXISTS"
	case errors.Is(err, domain.ErrFileNotFound):
		return "FILE_NOT_FOUND"
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return "PAYLOAD_TOO_LARGE"
	case errors.Is(err, domain.ErrMessageTooLong):
		return "MESSAGE_TOO_LONG"
	case errors.Is(err, domain.ErrEmptyMessage):
		return "EMPTY_MESSAGE"
	case errors.Is(err, domain.ErrRoomNotLoaded):
		return "NOT_JOINED"
	default:
		return "INVALID_INPUT"
	}
}

func (r *Router) reject(c *ws.Client, roomKey, eventType string, err error) {
	r.logger.Debug(logging.Room, logging.Mutation, "event rejected", map[logging.ExtraKey]any{
		logging.RoomKey:      roomKey,
		logging.ConnID:       c.ID,
		logging.EventType:    eventType,
		logging.ErrorMessage: err.Error(),
	})
	c.Send(ws.NewError(roomKey, errorCode(err), err.Error()))
}

func (r *Router) decode(c *ws.Client, msg *ws.Inbound, v any) bool {
	if err := msg.Decode(v); err != nil {
		c.Send(ws.NewError(msg.RoomID, "BAD_REQUEST", "Malformed payload."))
		return false
	}
	return true
}

func (r *Router) handleJoin(ctx context.Context, c *ws.Client, msg *ws.Inbound) {
	var p ws.JoinPayload
	if !r.decode(c, msg, &p) {
		return
	}
	roomKey := p.RoomID
	if roomKey == "" {
		roomKey = msg.RoomID
	}

	if err := domain.ValidateRoomKey(roomKey); err != nil {
		r.reject(c, roomKey, msg.Type, err)
		return
	}
	member, err := domain.NewMember(c.ID, p.Username)
	if err != nil {
		r.reject(c, roomKey, msg.Type, err)
		return
	}

	_, left := r.lifecycle.Join(roomKey, member)
	if left != nil {
		r.announceDeparture(left)
	}

	if _, err := r.store.Get(ctx, roomKey); err != nil {
		r.lifecycle.Leave(c.ID)
		c.Send(ws.NewError(roomKey, "ROOM_UNAVAILABLE", "Could not load the room, try again."))
		return
	}

	err = r.store.View(roomKey, func(room *domain.Room) {
		members := r.presence.Members(roomKey)
		joined := ws.NewJoined(roomKey, members, *member)
		for _, m := range members {
			r.sender.Send(m.ConnID, joined)
		}
		r.sender.Send(c.ID, ws.NewFilesSync(roomKey, room.Snapshot()))
	})
	if err != nil {
		r.lifecycle.Leave(c.ID)
		c.Send(ws.NewError(roomKey, "ROOM_UNAVAILABLE", "Could not load the room, try again."))
		return
	}

	r.logger.Info(logging.WebSocket, logging.Connect, "member joined", map[logging.ExtraKey]any{
		logging.RoomKey:  roomKey,
		logging.ConnID:   c.ID,
		logging.Username: member.Username,
	})
}

func (r *Router) handleFileChange(c *ws.Client, msg *ws.Inbound) {
	_, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.FileChangePayload
	if !r.decode(c, msg, &p) {
		return
	}

	err := r.store.Mutate(roomKey, func(room *domain.Room) error {
		if err := room.WriteFile(p.FileName, p.NewCode, r.cfg.MaxPathLength, r.cfg.MaxFileSize); err != nil {
			return err
		}
		r.broadcast(roomKey, ws.NewFileChange(roomKey, p.FileName, p.NewCode), c.ID)
		return nil
	})
	if err != nil {
		r.reject(c, roomKey, msg.Type, err)
	}
}

func (r *Router) handleCursorMove(c *ws.Client, msg *ws.Inbound) {
	m, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.CursorPayload
	if !r.decode(c, msg, &p) {
		return
	}

	r.broadcast(roomKey, ws.NewCursorMove(roomKey, p.Cursor, m), c.ID)
}

func (r *Router) handleSendMessage(c *ws.Client, msg *ws.Inbound) {
	m, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.ChatPayload
	if !r.decode(c, msg, &p) {
		return
	}

	err := r.store.Mutate(roomKey, func(room *domain.Room) error {
		line, err := room.AppendMessage(m.Username, p.Text, r.now(), r.cfg.MaxMessageLength)
		if err != nil {
			return err
		}
		r.broadcast(roomKey, ws.NewReceiveMessage(roomKey, line), "")
		return nil
	})
	if err != nil {
		r.reject(c, roomKey, msg.Type, err)
	}
}

// mutateTree applies a file-tree change and sends the full snapshot to every
// member, sender included.
func (r *Router) mutateTree(c *ws.Client, roomKey, eventType string, change func(room *domain.Room) error) {
	err := r.store.Mutate(roomKey, func(room *domain.Room) error {
		if err := change(room); err != nil {
			return err
		}
		r.broadcast(roomKey, ws.NewFilesSync(roomKey, room.Snapshot()), "")
		return nil
	})
	if err != nil {
		r.reject(c, roomKey, eventType, err)
	}
}

func (r *Router) handleFileCreate(c *ws.Client, msg *ws.Inbound) {
	_, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.FilePayload
	if !r.decode(c, msg, &p) {
		return
	}

	r.mutateTree(c, roomKey, msg.Type, func(room *domain.Room) error {
		_, err := room.CreateFile(p.FileName, r.cfg.MaxPathLength)
		return err
	})
}

func (r *Router) handleFileDelete(c *ws.Client, msg *ws.Inbound) {
	_, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.FilePayload
	if !r.decode(c, msg, &p) {
		return
	}

	r.mutateTree(c, roomKey, msg.Type, func(room *domain.Room) error {
		_, err := room.DeleteFile(p.FileName)
		return err
	})
}

func (r *Router) handleFileRename(c *ws.Client, msg *ws.Inbound) {
	_, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.FileRenamePayload
	if !r.decode(c, msg, &p) {
		return
	}

	r.mutateTree(c, roomKey, msg.Type, func(room *domain.Room) error {
		_, err := room.RenameFile(p.OldFileName, p.NewFileName, r.cfg.MaxPathLength)
		return err
	})
}

func (r *Router) handleActiveFileChange(c *ws.Client, msg *ws.Inbound) {
	_, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.FilePayload
	if !r.decode(c, msg, &p) {
		return
	}

	r.mutateTree(c, roomKey, msg.Type, func(room *domain.Room) error {
		return room.SetActiveFile(p.FileName)
	})
}

func (r *Router) handleCodeRun(ctx context.Context, c *ws.Client, msg *ws.Inbound) {
	_, roomKey, ok := r.member(c, msg)
	if !ok {
		return
	}
	var p ws.CodeRunPayload
	if !r.decode(c, msg, &p) {
		return
	}

	if !executor.Runnable(p.FileName) {
		c.Send(ws.NewError(roomKey, "NOT_RUNNABLE", "This file cannot be executed."))
		return
	}
	if len(p.Code) > r.cfg.MaxFileSize {
		r.reject(c, roomKey, msg.Type, domain.ErrPayloadTooLarge)
		return
	}

	if r.limiter != nil && !r.limiter.Allow(c.ID) {
		if r.metrics != nil {
			r.metrics.CodeRuns.WithLabelValues("rate_limited").Inc()
		}
		r.logger.Info(logging.Execution, logging.RateLimiting, "code run rate limited", map[logging.ExtraKey]any{
			logging.RoomKey: roomKey,
			logging.ConnID:  c.ID,
		})
		c.Send(ws.NewRateLimited(roomKey, r.limiter.RetryAfter(c.ID)))
		return
	}

	runCtx := context.WithoutCancel(ctx)
	r.runs.Add(1)
	go func() {
		defer r.runs.Done()

		result := r.runner.Execute(runCtx, p.FileName, p.Code)
		r.broadcast(roomKey, ws.NewCodeRunResult(roomKey, result.Output), "")
		r.publisher.Publish(runCtx, domain.NewCodeExecutedLog(roomKey, result.Language, result.Failed))

		r.logger.Info(logging.Execution, logging.ExternalService, "code run finished", map[logging.ExtraKey]any{
			logging.RoomKey:  roomKey,
			logging.ConnID:   c.ID,
			logging.Language: result.Language,
			"failed":         result.Failed,
		})
	}()
}
