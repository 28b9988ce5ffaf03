package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Options configures a Manager.
type Options struct {
	TimeoutHours int
	MaxPerUser   int
	Now          func() time.Time // defaults to time.Now
}

// Manager owns session lifecycle: creation, reuse, expiry and eviction.
// Multi-step mutations run under one mutex so capacity checks and id
// promotion are atomic with respect to each other.
type Manager struct {
	store        Storage
	timeoutHours int
	maxPerUser   int
	now          func() time.Time
	logger       *zap.Logger
	audit        log.Auditor

	mu sync.Mutex
}

// NewManager creates a Manager over store. audit may be nil.
func NewManager(store Storage, opts Options, logger *zap.Logger, audit log.Auditor) *Manager {
	if opts.TimeoutHours <= 0 {
		opts.TimeoutHours = 24
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:        store,
		timeoutHours: opts.TimeoutHours,
		maxPerUser:   opts.MaxPerUser,
		now:          opts.Now,
		logger:       log.OrNop(logger),
		audit:        audit,
	}
}

// TimeoutHours returns the idle expiry in hours.
func (m *Manager) TimeoutHours() int {
	return m.timeoutHours
}

// GetOrCreate returns the session to use for userID in projectPath.
//
// An explicit sessionID wins when it names a live session owned by userID.
// Otherwise the most recently used live session for the same project is
// reused, and failing that a new temporary session is created, evicting
// the user's least recently used session when at capacity.
func (m *Manager) GetOrCreate(ctx context.Context, userID int64, projectPath, sessionID string) (*Session, error) {
	projectPath = filepath.Clean(projectPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if sessionID != "" {
		s, err := m.store.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if s != nil && s.UserID == userID && !s.ExpiredAt(now, m.timeoutHours) {
			s.Touch(now)
			if err := m.store.Save(ctx, s); err != nil {
				return nil, fmt.Errorf("save session %s: %w", s.ID, err)
			}
			return s, nil
		}
	}

	sessions, err := m.store.UserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	sortNewestFirst(sessions)

	for _, s := range sessions {
		if s.ProjectPath == projectPath && !s.ExpiredAt(now, m.timeoutHours) {
			return s, nil
		}
	}

	return m.create(ctx, userID, projectPath, sessions, now)
}

// Create always starts a new session for userID in projectPath, evicting the
// least recently used one when the user is at capacity.
func (m *Manager) Create(ctx context.Context, userID int64, projectPath string) (*Session, error) {
	projectPath = filepath.Clean(projectPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.store.UserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	sortNewestFirst(sessions)
	return m.create(ctx, userID, projectPath, sessions, m.now())
}

// create requires m.mu and sessions sorted newest first.
func (m *Manager) create(ctx context.Context, userID int64, projectPath string, sessions []*Session, now time.Time) (*Session, error) {
	for len(sessions) >= m.maxPerUser {
		oldest := sessions[len(sessions)-1]
		if err := m.store.Delete(ctx, oldest.ID); err != nil {
			return nil, fmt.Errorf("evict session %s: %w", oldest.ID, err)
		}
		m.logger.Info("evicted session at capacity",
			zap.Int64("user_id", userID),
			zap.String("session_id", oldest.ID),
			zap.Int("max_per_user", m.maxPerUser),
		)
		sessions = sessions[:len(sessions)-1]
	}

	s := &Session{
		ID:          TempPrefix + uuid.New().String(),
		UserID:      userID,
		ProjectPath: projectPath,
		CreatedAt:   now,
		LastUsed:    now,
		IsNew:       true,
	}
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save new session: %w", err)
	}

	m.logger.Info("created session",
		zap.Int64("user_id", userID),
		zap.String("session_id", s.ID),
		zap.String("project_path", projectPath),
	)
	m.record(log.LogEvent{Event: log.EventSessionCreated, UserID: userID, SessionID: s.ID})

	return s, nil
}

// Update applies a completed turn to the session and returns the updated
// record. When a new session receives its first real id from Claude the
// temporary record is replaced; callers must use the returned ID.
func (m *Manager) Update(ctx context.Context, sessionID string, r TurnResult) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if s == nil {
		return nil, fmt.Errorf("update %s: %w", sessionID, ErrNotFound)
	}

	s.TotalCost += r.Cost
	s.TotalTurns += r.NumTurns
	s.MessageCount++
	s.ToolsUsed = append(s.ToolsUsed, r.ToolsUsed...)
	s.Touch(m.now())

	if r.SessionID != "" && r.SessionID != s.ID && s.IsNew {
		oldID := s.ID
		s.ID = r.SessionID
		s.IsNew = false
		if err := m.store.Delete(ctx, oldID); err != nil {
			return nil, fmt.Errorf("drop temporary session %s: %w", oldID, err)
		}
		m.logger.Debug("promoted session id", zap.String("from", oldID), zap.String("to", s.ID))
	} else if r.SessionID == s.ID {
		s.IsNew = false
	}

	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

// Get returns a session by id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if s == nil {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// Remove deletes a session.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, id)
}

// UserSessions returns userID's sessions, most recently used first.
func (m *Manager) UserSessions(ctx context.Context, userID int64) ([]*Session, error) {
	sessions, err := m.store.UserSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	sortNewestFirst(sessions)
	return sessions, nil
}

// Latest returns the most recently used live session for userID in
// projectPath that Claude has already assigned an id to, or nil.
func (m *Manager) Latest(ctx context.Context, userID int64, projectPath string) (*Session, error) {
	sessions, err := m.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	projectPath = filepath.Clean(projectPath)
	now := m.now()
	for _, s := range sessions {
		if s.ProjectPath == projectPath && !s.IsTemporary() && !s.ExpiredAt(now, m.timeoutHours) {
			return s, nil
		}
	}
	return nil, nil
}

// CleanupExpired removes every expired session and returns how many were
// removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	now := m.now()
	removed := 0
	for _, s := range all {
		if !s.ExpiredAt(now, m.timeoutHours) {
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil {
			return removed, fmt.Errorf("delete expired session %s: %w", s.ID, err)
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("removed expired sessions", zap.Int("count", removed))
		m.record(log.LogEvent{Event: log.EventSessionExpired, Count: removed})
	}
	return removed, nil
}

// StartSweeper runs CleanupExpired every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.CleanupExpired(ctx); err != nil {
					m.logger.Warn("session sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// UserSummary aggregates userID's sessions.
func (m *Manager) UserSummary(ctx context.Context, userID int64) (*Summary, error) {
	sessions, err := m.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{UserID: userID, TotalSessions: len(sessions)}
	seen := make(map[string]bool)
	now := m.now()
	for _, s := range sessions {
		if !s.ExpiredAt(now, m.timeoutHours) {
			sum.ActiveSessions++
		}
		sum.TotalMessages += s.MessageCount
		sum.TotalTurns += s.TotalTurns
		sum.TotalCost += s.TotalCost
		if !seen[s.ProjectPath] {
			seen[s.ProjectPath] = true
			sum.Projects = append(sum.Projects, s.ProjectPath)
		}
	}
	sort.Strings(sum.Projects)
	return sum, nil
}

func (m *Manager) record(event log.LogEvent) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Append(event); err != nil {
		m.logger.Warn("writing audit record", zap.Error(err))
	}
}

func sortNewestFirst(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUsed.After(sessions[j].LastUsed)
	})
}
