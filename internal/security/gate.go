package security

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
)

// ShellTool is the only tool whose input the gate inspects.
const ShellTool = "Bash"

// Decision is the outcome of a PreToolUse check.
type Decision string

const (
	DecisionAllow Decision = ""
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// HookInput is what Claude reports before running a tool.
type HookInput struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    int64          `json:"user_id,omitempty"`
}

// Command returns the shell command carried in the input, if any.
func (in HookInput) Command() string {
	cmd, _ := in.ToolInput["command"].(string)
	return cmd
}

// HookResult is empty for allow, or carries a decision and reason.
type HookResult struct {
	Decision Decision `json:"decision,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Allowed reports whether the tool may proceed.
func (r HookResult) Allowed() bool {
	return r.Decision == DecisionAllow
}

// AskFunc is notified when a command needs user confirmation.
type AskFunc func(ctx context.Context, in HookInput, m Match, reason string)

// Gate evaluates PreToolUse hooks against a RuleSet.
type Gate struct {
	rules  *RuleSet
	logger *zap.Logger
	audit  log.Auditor
	onAsk  AskFunc

	mu        sync.Mutex
	approvals map[int64]map[string]int
}

// NewGate validates rules and builds a Gate. audit may be nil.
func NewGate(rules []Rule, logger *zap.Logger, audit log.Auditor) (*Gate, error) {
	if problems := ValidateRules(rules); len(problems) > 0 {
		return nil, fmt.Errorf("inconsistent security rules: %v", problems)
	}
	rs, err := CompileRules(rules)
	if err != nil {
		return nil, err
	}
	return &Gate{
		rules:     rs,
		logger:    log.OrNop(logger),
		audit:     audit,
		approvals: make(map[int64]map[string]int),
	}, nil
}

// RuleSet returns the compiled rules the gate evaluates.
func (g *Gate) RuleSet() *RuleSet { return g.rules }

// OnAsk registers a callback for confirm decisions.
func (g *Gate) OnAsk(fn AskFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onAsk = fn
}

// Approve lets userID run cmd once without confirmation.
func (g *Gate) Approve(userID int64, cmd string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.approvals[userID] == nil {
		g.approvals[userID] = make(map[string]int)
	}
	g.approvals[userID][cmd]++
}

func (g *Gate) consumeApproval(userID int64, cmd string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.approvals[userID][cmd]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(g.approvals[userID], cmd)
	} else {
		g.approvals[userID][cmd] = n - 1
	}
	return true
}

// PreToolUse decides whether the tool described by in may run.
func (g *Gate) PreToolUse(ctx context.Context, in HookInput) HookResult {
	if in.ToolName != ShellTool {
		return HookResult{}
	}
	cmd := in.Command()
	if cmd == "" {
		return HookResult{}
	}

	m, ok := g.rules.Match(cmd)
	if !ok {
		return HookResult{}
	}

	if m.Rule.Action == ActionConfirm && g.consumeApproval(in.UserID, cmd) {
		g.logger.Info("confirmed command allowed",
			zap.String("command", log.Truncate(cmd, 100)),
			zap.Int64("user_id", in.UserID),
		)
		return HookResult{}
	}

	g.logger.Warn("dangerous command detected",
		zap.String("command", log.Truncate(cmd, 100)),
		zap.String("pattern", m.Rule.Description),
		zap.String("action", string(m.Rule.Action)),
		zap.String("tool_use_id", in.ToolUseID),
		zap.Int64("user_id", in.UserID),
	)

	var res HookResult
	event := log.EventSecurityDenied
	if m.Rule.Action == ActionDeny {
		res = HookResult{
			Decision: DecisionDeny,
			Reason:   fmt.Sprintf("Command blocked: %s. This operation is not allowed for security reasons.", m.Rule.Description),
		}
	} else {
		event = log.EventSecurityConfirm
		res = HookResult{
			Decision: DecisionAsk,
			Reason:   fmt.Sprintf("This command requires confirmation: %s. Command: %s...", m.Rule.Description, log.Truncate(cmd, 50)),
		}
	}

	g.record(event, in, cmd, res)

	if res.Decision == DecisionAsk {
		g.mu.Lock()
		fn := g.onAsk
		g.mu.Unlock()
		if fn != nil {
			fn(ctx, in, m, res.Reason)
		}
	}
	return res
}

func (g *Gate) record(event string, in HookInput, cmd string, res HookResult) {
	if g.audit == nil {
		return
	}
	rec := NewAuditRecord(cmd, string(res.Decision), res.Reason, in.UserID)
	rec.Event = event
	rec.Tool = in.ToolName
	rec.ToolUseID = in.ToolUseID
	rec.SessionID = in.SessionID
	if err := g.audit.Append(rec); err != nil {
		g.logger.Error("writing audit record", zap.Error(err))
	}
}

// NewAuditRecord builds the audit entry for a security decision.
func NewAuditRecord(cmd, decision, reason string, userID int64) log.LogEvent {
	return log.LogEvent{
		Command:  cmd,
		Decision: decision,
		Reason:   reason,
		UserID:   userID,
	}
}
