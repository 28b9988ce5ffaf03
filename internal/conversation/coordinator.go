// Package conversation layers single-flight and cancellation over backend
// queries.
package conversation

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/session"
)

const (
	// StoppedMessage is the content of the cancelled event.
	StoppedMessage = "Conversation was stopped by user."
	// BusyMessage is returned when a user already has a query in flight.
	BusyMessage = "A conversation is already in progress. Send /stop to cancel it."

	ErrorTypeBusy = "busy"
)

// Backend is the part of backend.Adapter the coordinator drives.
type Backend interface {
	Query(ctx context.Context, userID int64, req backend.Request, cb backend.StreamCallback) iter.Seq[backend.Event]
	Close(userID int64) error
}

type flight struct {
	cancelled atomic.Bool
	started   time.Time
}

// Coordinator tracks the in-flight conversation of every user.
type Coordinator struct {
	backend  Backend
	sessions *session.Manager
	logger   *zap.Logger
	audit    log.Auditor

	mu     sync.Mutex
	active map[int64]*flight
}

// NewCoordinator returns a Coordinator. audit may be nil.
func NewCoordinator(b Backend, sessions *session.Manager, logger *zap.Logger, audit log.Auditor) *Coordinator {
	return &Coordinator{
		backend:  b,
		sessions: sessions,
		logger:   log.OrNop(logger),
		audit:    audit,
		active:   make(map[int64]*flight),
	}
}

// Start resolves the user's session for projectPath, streams the reply to
// prompt and records the finished turn on the session.
func (c *Coordinator) Start(ctx context.Context, userID int64, projectPath, prompt string, cb backend.StreamCallback) iter.Seq[backend.Event] {
	return func(yield func(backend.Event) bool) {
		sess, err := c.sessions.GetOrCreate(ctx, userID, projectPath, "")
		if err != nil {
			yield(backend.Event{Type: backend.EventError, ErrorType: "session_error", Content: "Failed to open session: " + err.Error()})
			return
		}

		c.logger.Info("starting conversation",
			zap.Int64("user_id", userID),
			zap.String("session_id", sess.ID),
			zap.String("project_path", sess.ProjectPath),
		)

		var tools []session.ToolUse
		for ev := range c.Stream(ctx, sess, prompt, cb) {
			switch ev.Type {
			case backend.EventToolUse:
				tools = append(tools, session.ToolUse{Name: ev.ToolName, Input: ev.ToolInput, Timestamp: time.Now()})
			case backend.EventComplete:
				if _, err := c.sessions.Update(ctx, sess.ID, session.TurnResult{
					SessionID: ev.SessionID,
					Cost:      ev.Cost,
					NumTurns:  ev.NumTurns,
					ToolsUsed: tools,
				}); err != nil {
					c.logger.Warn("updating session", zap.String("session_id", sess.ID), zap.Error(err))
				}
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Stream runs one query for an already resolved session. Before each event
// it checks whether Stop was called and, if so, ends the stream with a
// cancelled event.
func (c *Coordinator) Stream(ctx context.Context, sess *session.Session, prompt string, cb backend.StreamCallback) iter.Seq[backend.Event] {
	return func(yield func(backend.Event) bool) {
		userID := sess.UserID
		f, ok := c.register(userID)
		if !ok {
			yield(backend.Event{Type: backend.EventError, ErrorType: ErrorTypeBusy, Content: BusyMessage})
			return
		}
		defer c.release(userID, f)

		req := backend.Request{Prompt: prompt, WorkDir: sess.ProjectPath}
		if !sess.IsTemporary() {
			req.ResumeSessionID = sess.ID
		}

		for ev := range c.backend.Query(ctx, userID, req, cb) {
			if f.cancelled.Load() {
				c.logger.Info("conversation cancelled", zap.Int64("user_id", userID))
				yield(backend.Event{Type: backend.EventCancelled, Content: StoppedMessage})
				return
			}
			if !yield(ev) {
				return
			}
		}
		if f.cancelled.Load() {
			yield(backend.Event{Type: backend.EventCancelled, Content: StoppedMessage})
		}
	}
}

func (c *Coordinator) register(userID int64) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[userID]; busy {
		return nil, false
	}
	f := &flight{started: time.Now()}
	c.active[userID] = f
	return f, true
}

func (c *Coordinator) release(userID int64, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[userID] == f {
		delete(c.active, userID)
	}
}

// Stop cancels the user's in-flight conversation and closes the backend
// client, which interrupts a blocked read. It reports whether anything was
// stopped.
func (c *Coordinator) Stop(userID int64) bool {
	c.mu.Lock()
	f, ok := c.active[userID]
	if ok {
		f.cancelled.Store(true)
		delete(c.active, userID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("no active conversation to stop", zap.Int64("user_id", userID))
		return false
	}

	if err := c.backend.Close(userID); err != nil {
		c.logger.Warn("closing backend client", zap.Int64("user_id", userID), zap.Error(err))
	}
	if c.audit != nil {
		_ = c.audit.Append(log.LogEvent{
			Event:  log.EventConversationStopped,
			UserID: userID,
			Data:   map[string]any{"duration_ms": time.Since(f.started).Milliseconds()},
		})
	}
	c.logger.Info("conversation stopped", zap.Int64("user_id", userID))
	return true
}

// Reset stops any in-flight conversation and drops the user's backend
// client so the next query starts a new backend conversation.
func (c *Coordinator) Reset(userID int64) error {
	if c.Stop(userID) {
		return nil
	}
	return c.backend.Close(userID)
}

// IsActive reports whether userID has a query in flight.
func (c *Coordinator) IsActive(userID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[userID]
	return ok
}

// ActiveCount returns the number of in-flight conversations.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Info describes a user's conversation in one project.
type Info struct {
	SessionID    string    `json:"session_id"`
	ProjectPath  string    `json:"project_path"`
	MessageCount int       `json:"message_count"`
	TotalCost    float64   `json:"total_cost"`
	TotalTurns   int       `json:"total_turns"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
}

// Info returns the conversation state of userID in projectPath, opening a
// session when none exists.
func (c *Coordinator) Info(ctx context.Context, userID int64, projectPath string) (*Info, error) {
	sess, err := c.sessions.GetOrCreate(ctx, userID, projectPath, "")
	if err != nil {
		return nil, err
	}
	return &Info{
		SessionID:    sess.ID,
		ProjectPath:  sess.ProjectPath,
		MessageCount: sess.MessageCount,
		TotalCost:    sess.TotalCost,
		TotalTurns:   sess.TotalTurns,
		IsActive:     c.IsActive(userID),
		CreatedAt:    sess.CreatedAt,
		LastUsed:     sess.LastUsed,
	}, nil
}

// CleanupInactive removes expired sessions and returns how many went.
func (c *Coordinator) CleanupInactive(ctx context.Context) (int, error) {
	return c.sessions.CleanupExpired(ctx)
}
