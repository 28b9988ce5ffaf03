// Package facade is the single entry point chat handlers use to talk to
// Claude. It expands slash commands, resolves sessions, validates tool calls
// and falls back to a one-shot subprocess when the streaming client fails.
package facade

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/commands"
	"github.com/berth-dev/claudegram/internal/conversation"
	"github.com/berth-dev/claudegram/internal/log"
	"github.com/berth-dev/claudegram/internal/monitor"
	"github.com/berth-dev/claudegram/internal/session"
)

// Request is one user message to run.
type Request struct {
	Prompt     string
	WorkingDir string
	UserID     int64
	SessionID  string
	OnStream   backend.StreamCallback
}

// Response is the collected result of a run.
type Response struct {
	Content    string
	SessionID  string
	Cost       float64
	DurationMS int64
	NumTurns   int
	IsError    bool
	ErrorType  string
	ToolsUsed  []session.ToolUse

	backendID string // session id reported by Claude, if any
}

// Fallback is the one-shot execution path plus the client shutdown hook,
// both provided by *backend.Adapter.
type Fallback interface {
	RunOnce(ctx context.Context, userID int64, req backend.Request, cb backend.StreamCallback) iter.Seq[backend.Event]
	CloseAll(ctx context.Context) int
}

// Deps are the collaborators of an Integration. Commands may be nil to
// disable slash commands; Monitor may be nil to skip validation.
type Deps struct {
	Commands      *commands.Executor
	Sessions      *session.Manager
	Conversations *conversation.Coordinator
	Fallback      Fallback
	Monitor       *monitor.Monitor
	Logger        *zap.Logger
	Audit         log.Auditor

	// AllowedTools is reported back to users whose tools were blocked.
	AllowedTools []string
	// EnvDir is where operators keep the bot's .env file.
	EnvDir string
}

// Integration runs prompts with validation and fallback.
type Integration struct {
	commands      *commands.Executor
	sessions      *session.Manager
	conversations *conversation.Coordinator
	fallback      Fallback
	monitor       *monitor.Monitor
	logger        *zap.Logger
	audit         log.Auditor
	allowedTools  []string
	envDir        string

	failures atomic.Int64
}

// New assembles an Integration from d.
func New(d Deps) *Integration {
	return &Integration{
		commands:      d.Commands,
		sessions:      d.Sessions,
		conversations: d.Conversations,
		fallback:      d.Fallback,
		monitor:       d.Monitor,
		logger:        log.OrNop(d.Logger),
		audit:         d.Audit,
		allowedTools:  slices.Clone(d.AllowedTools),
		envDir:        d.EnvDir,
	}
}

// FailureCount returns how many primary attempts failed since the last
// primary success.
func (i *Integration) FailureCount() int {
	return int(i.failures.Load())
}

// Run executes req. Command and session problems come back as a Response
// with IsError set. A blocked critical tool returns *ToolValidationError, and
// when both execution paths fail the primary error is returned.
func (i *Integration) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	prompt := req.Prompt

	if i.commands != nil && commands.IsCommand(prompt) {
		i.logger.Info("processing slash command",
			zap.Int64("user_id", req.UserID),
			zap.String("prompt_preview", log.Truncate(prompt, 50)),
		)
		res := i.commands.Process(prompt, req.UserID)
		if res.Err != nil {
			return &Response{
				Content:   res.Message,
				SessionID: req.SessionID,
				IsError:   true,
				ErrorType: ErrorTypeCommand,
			}, nil
		}
		prompt = res.Prompt
		i.logger.Info("expanded slash command", zap.String("command", res.Name), zap.Int("expanded_len", len(prompt)))
	}

	i.logger.Info("running claude command",
		zap.Int64("user_id", req.UserID),
		zap.String("working_directory", req.WorkingDir),
		zap.String("session_id", req.SessionID),
		zap.Int("prompt_len", len(prompt)),
	)

	sess, err := i.sessions.GetOrCreate(ctx, req.UserID, req.WorkingDir, req.SessionID)
	if err != nil {
		i.logger.Error("resolving session", zap.Int64("user_id", req.UserID), zap.Error(err))
		return &Response{
			Content:   "Failed to open session: " + err.Error(),
			SessionID: req.SessionID,
			IsError:   true,
			ErrorType: ErrorTypeSession,
		}, nil
	}

	out := i.execute(ctx, sess, prompt, req)
	if out.Kind != OutcomeOK {
		i.logger.Error("claude command failed",
			zap.Int64("user_id", req.UserID),
			zap.String("session_id", sess.ID),
			zap.Error(out.Err),
		)
		return nil, out.Err
	}

	resp := out.Response
	resp.DurationMS = time.Since(start).Milliseconds()
	resp.SessionID = sess.ID
	if resp.ErrorType != conversation.ErrorTypeBusy {
		updated, err := i.sessions.Update(ctx, sess.ID, session.TurnResult{
			SessionID: resp.backendID,
			Cost:      resp.Cost,
			NumTurns:  resp.NumTurns,
			ToolsUsed: resp.ToolsUsed,
		})
		if err != nil {
			i.logger.Warn("updating session", zap.String("session_id", sess.ID), zap.Error(err))
		} else {
			resp.SessionID = updated.ID
		}
	}

	i.logger.Info("claude command completed",
		zap.String("session_id", resp.SessionID),
		zap.Float64("cost", resp.Cost),
		zap.Int64("duration_ms", resp.DurationMS),
		zap.Int("num_turns", resp.NumTurns),
		zap.Bool("is_error", resp.IsError),
	)
	return resp, nil
}

// execute tries the streaming client first and the one-shot path once if
// the first attempt is retryable.
func (i *Integration) execute(ctx context.Context, sess *session.Session, prompt string, req Request) Outcome {
	primary := i.primary(ctx, sess, prompt, req)
	if primary.Kind != OutcomeRetryable {
		if primary.Kind == OutcomeOK {
			i.failures.Store(0)
		}
		return primary
	}

	n := i.failures.Add(1)
	i.logger.Warn("primary execution failed, falling back to subprocess",
		zap.Error(primary.Err),
		zap.Int64("failure_count", n),
	)
	i.record(log.LogEvent{
		Event:  log.EventFallbackStarted,
		UserID: req.UserID,
		Error:  primary.Err.Error(),
		Count:  int(n),
	})

	if i.fallback == nil {
		return primary
	}
	secondary := i.secondary(ctx, sess, prompt, req)
	switch secondary.Kind {
	case OutcomeOK:
		i.logger.Info("subprocess fallback succeeded")
		i.record(log.LogEvent{Event: log.EventFallbackSucceeded, UserID: req.UserID})
		return secondary
	case OutcomeFatal:
		return secondary
	}

	i.logger.Error("both primary and fallback execution failed",
		zap.NamedError("primary_error", primary.Err),
		zap.NamedError("fallback_error", secondary.Err),
	)
	i.record(log.LogEvent{
		Event:  log.EventFallbackFailed,
		UserID: req.UserID,
		Error:  primary.Err.Error(),
		Data:   map[string]any{"fallback_error": secondary.Err.Error()},
	})
	return primary
}

func (i *Integration) primary(ctx context.Context, sess *session.Session, prompt string, req Request) Outcome {
	c := i.newCollector(req)
	c.abort = func() { i.conversations.Stop(req.UserID) }
	return c.consume(ctx, i.conversations.Stream(ctx, sess, prompt, nil))
}

func (i *Integration) secondary(ctx context.Context, sess *session.Session, prompt string, req Request) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	br := backend.Request{Prompt: prompt, WorkDir: sess.ProjectPath}
	if !sess.IsTemporary() {
		br.ResumeSessionID = sess.ID
	}
	c := i.newCollector(req)
	c.abort = cancel
	out := c.consume(ctx, i.fallback.RunOnce(ctx, req.UserID, br, nil))
	if out.Kind == OutcomeOK && out.Response.IsError && out.Response.ErrorType != ErrorTypeToolValidation {
		// A one-shot run has nothing left to retry; any error is a failure.
		return Retryable(&BackendError{Type: out.Response.ErrorType, Message: out.Response.Content})
	}
	return out
}

// collector folds an event stream into an Outcome, validating tool calls on
// the way and forwarding events to the caller's callback.
type collector struct {
	i     *Integration
	req   Request
	abort func()

	text      []string
	tools     []session.ToolUse
	blocked   []string
	errs      []string
	sessionID string
	cost      float64
	turns     int
}

func (i *Integration) newCollector(req Request) *collector {
	return &collector{i: i, req: req}
}

func (c *collector) consume(ctx context.Context, events iter.Seq[backend.Event]) Outcome {
	for ev := range events {
		switch ev.Type {
		case backend.EventText:
			if ev.Content != "" {
				c.text = append(c.text, ev.Content)
			}

		case backend.EventToolUse:
			c.tools = append(c.tools, session.ToolUse{Name: ev.ToolName, Input: ev.ToolInput, Timestamp: time.Now()})
			if verr := c.validate(ctx, ev); verr != nil {
				c.abort()
				return Fatal(verr)
			}

		case backend.EventComplete:
			c.cost = ev.Cost
			c.turns = ev.NumTurns
			c.sessionID = ev.SessionID
			if ev.IsError && ev.Content != "" {
				c.text = append(c.text, ev.Content)
			}

		case backend.EventCancelled:
			c.notify(ev)
			return Ok(c.errorResponse(ErrorTypeCancelled, ev.Content))

		case backend.EventError:
			if !ev.Terminal() {
				break
			}
			if isRetryable(ev.ErrorType) {
				return Retryable(&BackendError{Type: ev.ErrorType, Message: ev.Content})
			}
			c.notify(ev)
			return Ok(c.errorResponse(ev.ErrorType, ev.Content))
		}
		c.notify(ev)
	}
	return Ok(c.response())
}

// validate checks a tool_use event. It returns a *ToolValidationError when a
// critical tool was blocked.
func (c *collector) validate(ctx context.Context, ev backend.Event) *ToolValidationError {
	m := c.i.monitor
	if m == nil {
		return nil
	}
	err := m.Validate(ctx, ev.ToolName, ev.ToolInput, c.req.WorkingDir, c.req.UserID)
	if err == nil {
		return nil
	}

	c.errs = append(c.errs, err.Error())
	var verr *monitor.ValidationError
	if errors.As(err, &verr) && verr.Kind == monitor.KindNotAllowed && !slices.Contains(c.blocked, ev.ToolName) {
		c.blocked = append(c.blocked, ev.ToolName)
	}
	c.i.logger.Error("tool validation failed",
		zap.String("tool_name", ev.ToolName),
		zap.Error(err),
		zap.Int64("user_id", c.req.UserID),
	)

	if !slices.Contains(CriticalTools, ev.ToolName) {
		return nil
	}
	blocked := slices.Clone(c.blocked)
	allowed := slices.Clone(c.i.allowedTools)
	return &ToolValidationError{
		Blocked: blocked,
		Allowed: allowed,
		Message: ToolErrorMessage(blocked, allowed, AdminInstructions(blocked, c.i.envDir)),
	}
}

func (c *collector) notify(ev backend.Event) {
	cb := c.req.OnStream
	if cb == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			c.i.logger.Warn("stream callback panicked", zap.Any("panic", p))
		}
	}()
	if err := cb(ev); err != nil {
		c.i.logger.Warn("stream callback failed", zap.Error(err))
	}
}

func (c *collector) response() *Response {
	r := &Response{
		Content:   strings.Join(c.text, "\n"),
		Cost:      c.cost,
		NumTurns:  c.turns,
		ToolsUsed: c.tools,
		backendID: c.sessionID,
	}
	if len(c.errs) > 0 {
		c.i.logger.Error("command completed but tool validation failed", zap.Strings("validation_errors", c.errs))
		r.IsError = true
		r.ErrorType = ErrorTypeToolValidation
		if len(c.blocked) > 0 {
			r.Content = BlockedToolsMessage(c.blocked, c.i.allowedTools)
		} else {
			r.Content = ValidationFailedMessage(c.errs)
		}
	}
	return r
}

func (c *collector) errorResponse(errorType, content string) *Response {
	r := c.response()
	r.IsError = true
	r.ErrorType = errorType
	r.Content = content
	return r
}

func (i *Integration) record(ev log.LogEvent) {
	if i.audit == nil {
		return
	}
	if err := i.audit.Append(ev); err != nil {
		i.logger.Error("writing audit record", zap.Error(err))
	}
}
