package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 5 * time.Minute

// Request is one prompt sent on behalf of a user.
type Request struct {
	Prompt          string
	WorkDir         string
	ResumeSessionID string
}

// StreamCallback observes every event of a query. Its errors and panics
// are logged and never reach the stream.
type StreamCallback func(Event) error

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	// Timeout bounds a whole query.
	Timeout time.Duration
	// ToolTimeout bounds the silence after a tool_use; zero disables it.
	ToolTimeout time.Duration
	// Base is the starting point for every client's options.
	Base Options
	// Prepare customizes the options of one user's client.
	Prepare func(userID int64, opts *Options) error
}

type handle struct {
	client Client
	// mu serializes queries on client.
	mu sync.Mutex

	// Guarded by Adapter.mu.
	workDir   string
	sessionID string
}

// Adapter keeps one backend client per user and exposes queries as event
// streams.
type Adapter struct {
	backend Backend
	stub    bool
	opts    AdapterOptions
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[int64]*handle
}

// NewAdapter wraps b. A nil or unavailable backend is replaced by Stub.
func NewAdapter(b Backend, opts AdapterOptions, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	a := &Adapter{
		backend: b,
		opts:    opts,
		logger:  logger,
		clients: make(map[int64]*handle),
	}
	if b == nil || !b.Available() {
		logger.Warn("claude backend unavailable, answering with stub replies")
		a.backend = Stub{}
		a.stub = true
	}
	return a
}

// IsStub reports whether the adapter fell back to Stub.
func (a *Adapter) IsStub() bool { return a.stub }

// Timeout returns the per-query timeout.
func (a *Adapter) Timeout() time.Duration { return a.opts.Timeout }

// ActiveCount returns the number of open clients.
func (a *Adapter) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}

// HasClient reports whether userID has an open client.
func (a *Adapter) HasClient(userID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.clients[userID]
	return ok
}

func (a *Adapter) options(userID int64, req Request) (Options, error) {
	opts := a.opts.Base
	opts.AllowedTools = slices.Clone(a.opts.Base.AllowedTools)
	opts.Env = slices.Clone(a.opts.Base.Env)
	if req.WorkDir != "" {
		opts.WorkDir = req.WorkDir
	}
	opts.ResumeSessionID = req.ResumeSessionID
	if a.opts.Prepare != nil {
		if err := a.opts.Prepare(userID, &opts); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// client returns the user's client, opening one when none exists or when
// the request targets another directory or session.
func (a *Adapter) client(ctx context.Context, userID int64, req Request) (*handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h, ok := a.clients[userID]; ok {
		switch {
		case req.WorkDir != "" && h.workDir != req.WorkDir:
		case req.ResumeSessionID != "" && h.sessionID != "" && h.sessionID != req.ResumeSessionID:
		default:
			return h, nil
		}
		delete(a.clients, userID)
		go a.closeHandle(userID, h)
	}

	opts, err := a.options(userID, req)
	if err != nil {
		return nil, err
	}
	c, err := a.backend.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	h := &handle{client: c, workDir: req.WorkDir, sessionID: req.ResumeSessionID}
	a.clients[userID] = h
	a.logger.Info("backend client opened",
		zap.Int64("user_id", userID),
		zap.String("dir", req.WorkDir),
		zap.Bool("stub", a.stub),
	)
	return h, nil
}

func (a *Adapter) drop(userID int64, h *handle) {
	a.mu.Lock()
	if a.clients[userID] == h {
		delete(a.clients, userID)
	}
	a.mu.Unlock()
	a.closeHandle(userID, h)
}

func (a *Adapter) closeHandle(userID int64, h *handle) {
	if err := h.client.Close(); err != nil {
		a.logger.Warn("closing backend client", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (a *Adapter) setSession(h *handle, id string) {
	if id == "" {
		return
	}
	a.mu.Lock()
	h.sessionID = id
	a.mu.Unlock()
}

func (a *Adapter) notify(cb StreamCallback, e Event) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("stream callback panicked", zap.Any("panic", r), zap.String("event", string(e.Type)))
		}
	}()
	if err := cb(e); err != nil {
		a.logger.Warn("stream callback failed", zap.Error(err), zap.String("event", string(e.Type)))
	}
}

// Query sends req on the user's client and streams the resulting events.
// The stream ends after the first terminal event. A tool step that stays
// silent past ToolTimeout yields a non-terminal tool_timeout error.
func (a *Adapter) Query(ctx context.Context, userID int64, req Request, cb StreamCallback) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		emit := func(e Event) bool {
			a.notify(cb, e)
			return yield(e)
		}

		h, err := a.client(ctx, userID, req)
		if err != nil {
			emit(ErrorEvent(err))
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()

		qctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()

		if err := h.client.Send(qctx, req.Prompt); err != nil {
			a.drop(userID, h)
			emit(ErrorEvent(err))
			return
		}

		items := make(chan item)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for m, err := range h.client.Receive(qctx) {
				select {
				case items <- item{msg: m, err: err}:
				case <-qctx.Done():
					return
				}
			}
		}()
		defer func() {
			cancel()
			<-done
		}()

		var (
			timer    *time.Timer
			toolWait <-chan time.Time
			lastTool string
		)
		stopTimer := func() {
			if timer != nil {
				timer.Stop()
				timer, toolWait = nil, nil
			}
		}
		defer stopTimer()

		expired := func() {
			if ctx.Err() != nil {
				emit(Event{Type: EventError, ErrorType: ErrorTypeCancelled, Content: "Request cancelled"})
				return
			}
			a.logger.Warn("query timed out", zap.Int64("user_id", userID), zap.Duration("timeout", a.opts.Timeout))
			emit(ErrorEvent(&TimeoutError{Timeout: a.opts.Timeout}))
		}

		for {
			select {
			case <-qctx.Done():
				expired()
				return

			case <-toolWait:
				timer, toolWait = nil, nil
				a.logger.Warn("tool timed out", zap.Int64("user_id", userID), zap.String("tool", lastTool))
				if !emit(ErrorEvent(&ToolTimeoutError{Tool: lastTool, Timeout: a.opts.ToolTimeout})) {
					return
				}

			case it := <-items:
				stopTimer()
				if it.err != nil {
					if qctx.Err() != nil {
						expired()
						return
					}
					a.drop(userID, h)
					emit(ErrorEvent(it.err))
					return
				}
				ev := FromMessage(it.msg)
				if ev.Type == EventComplete {
					a.setSession(h, ev.SessionID)
				}
				if !emit(ev) || ev.Terminal() {
					return
				}
				if ev.Type == EventToolUse && a.opts.ToolTimeout > 0 {
					lastTool = ev.ToolName
					timer = time.NewTimer(a.opts.ToolTimeout)
					toolWait = timer.C
				}
			}
		}
	}
}

// RunOnce streams a one-shot invocation that does not touch the user's
// persistent client.
func (a *Adapter) RunOnce(ctx context.Context, userID int64, req Request, cb StreamCallback) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		emit := func(e Event) bool {
			a.notify(cb, e)
			return yield(e)
		}

		opts, err := a.options(userID, req)
		if err != nil {
			emit(ErrorEvent(err))
			return
		}

		qctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()

		for m, err := range a.backend.RunOnce(qctx, req.Prompt, opts) {
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					err = &TimeoutError{Timeout: a.opts.Timeout}
				}
				emit(ErrorEvent(err))
				return
			}
			ev := FromMessage(m)
			if !emit(ev) || ev.Terminal() {
				return
			}
		}
	}
}

// Close stops the user's client. It is a no-op without one.
func (a *Adapter) Close(userID int64) error {
	a.mu.Lock()
	h, ok := a.clients[userID]
	delete(a.clients, userID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return h.client.Close()
}

// CloseAll stops every client concurrently. The client map is emptied
// even when some Close calls fail; failures are joined and logged, and the
// number of clients that were open is returned.
func (a *Adapter) CloseAll(ctx context.Context) int {
	a.mu.Lock()
	handles := a.clients
	a.clients = make(map[int64]*handle)
	a.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, _ := errgroup.WithContext(ctx)
	for userID, h := range handles {
		g.Go(func() error {
			if err := h.client.Close(); err != nil {
				a.logger.Warn("closing backend client", zap.Int64("user_id", userID), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
				mu.Unlock()
			}
			// Nil keeps the group from cancelling its siblings.
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("some backend clients failed to close", zap.Int("failed", len(errs)), zap.Error(err))
	}
	return len(handles)
}
