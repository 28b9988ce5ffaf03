package facade

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/monitor"
	"github.com/berth-dev/claudegram/internal/session"
)

// ContinueSession runs prompt in the user's most recent session for
// workingDir. It returns nil when there is no session to continue.
func (i *Integration) ContinueSession(ctx context.Context, userID int64, workingDir, prompt string, onStream backend.StreamCallback) (*Response, error) {
	i.logger.Info("continuing session",
		zap.Int64("user_id", userID),
		zap.String("working_directory", workingDir),
		zap.Bool("has_prompt", prompt != ""),
	)
	latest, err := i.sessions.Latest(ctx, userID, workingDir)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		i.logger.Info("no matching sessions found", zap.Int64("user_id", userID))
		return nil, nil
	}
	return i.Run(ctx, Request{
		Prompt:     prompt,
		WorkingDir: workingDir,
		UserID:     userID,
		SessionID:  latest.ID,
		OnStream:   onStream,
	})
}

// NewSession starts a fresh session for userID in workingDir. Pass its id
// in the next Request to run there.
func (i *Integration) NewSession(ctx context.Context, userID int64, workingDir string) (*SessionInfo, error) {
	if err := i.conversations.Reset(userID); err != nil {
		i.logger.Warn("resetting backend client", zap.Int64("user_id", userID), zap.Error(err))
	}
	s, err := i.sessions.Create(ctx, userID, workingDir)
	if err != nil {
		return nil, err
	}
	info := i.info(s)
	return &info, nil
}

// SessionInfo describes one stored session.
type SessionInfo struct {
	SessionID    string            `json:"session_id"`
	ProjectPath  string            `json:"project_path"`
	CreatedAt    time.Time         `json:"created_at"`
	LastUsed     time.Time         `json:"last_used"`
	TotalCost    float64           `json:"total_cost"`
	TotalTurns   int               `json:"total_turns"`
	MessageCount int               `json:"message_count"`
	ToolsUsed    []session.ToolUse `json:"tools_used"`
	Expired      bool              `json:"expired"`
}

func (i *Integration) info(s *session.Session) SessionInfo {
	return SessionInfo{
		SessionID:    s.ID,
		ProjectPath:  s.ProjectPath,
		CreatedAt:    s.CreatedAt,
		LastUsed:     s.LastUsed,
		TotalCost:    s.TotalCost,
		TotalTurns:   s.TotalTurns,
		MessageCount: s.MessageCount,
		ToolsUsed:    s.ToolsUsed,
		Expired:      s.IsExpired(i.sessions.TimeoutHours()),
	}
}

// SessionInfo returns one session by id.
func (i *Integration) SessionInfo(ctx context.Context, id string) (*SessionInfo, error) {
	s, err := i.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	info := i.info(s)
	return &info, nil
}

// UserSessions lists the user's sessions, most recently used first.
func (i *Integration) UserSessions(ctx context.Context, userID int64) ([]SessionInfo, error) {
	sessions, err := i.sessions.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, i.info(s))
	}
	return out, nil
}

// CleanupExpired removes expired sessions.
func (i *Integration) CleanupExpired(ctx context.Context) (int, error) {
	return i.sessions.CleanupExpired(ctx)
}

// ToolStats returns tool usage across all users.
func (i *Integration) ToolStats() monitor.Stats {
	if i.monitor == nil {
		return monitor.Stats{ByTool: map[string]int{}, Blocked: map[string]int{}}
	}
	return i.monitor.Stats()
}

// UserSummary combines a user's session totals and tool usage.
type UserSummary struct {
	session.Summary
	monitor.UserUsage
}

// UserSummary returns the combined summary for userID.
func (i *Integration) UserSummary(ctx context.Context, userID int64) (*UserSummary, error) {
	sum, err := i.sessions.UserSummary(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := &UserSummary{Summary: *sum}
	if i.monitor != nil {
		out.UserUsage = i.monitor.UserUsage(userID)
	}
	return out, nil
}

// Shutdown closes every backend client and sweeps expired sessions.
func (i *Integration) Shutdown(ctx context.Context) error {
	i.logger.Info("shutting down claude integration")
	if i.fallback != nil {
		n := i.fallback.CloseAll(ctx)
		i.logger.Info("closed backend clients", zap.Int("count", n))
	}
	if _, err := i.CleanupExpired(ctx); err != nil {
		return err
	}
	i.logger.Info("claude integration shutdown complete")
	return nil
}
