package toolbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/berth-dev/claudegram/internal/security"
)

// hookTimeout bounds the round trip to the bot.
const hookTimeout = 10 * time.Second

// Hook is the PreToolUse command Claude runs before each matching tool.
type Hook struct {
	addr     string
	userID   int64
	fallback *security.Gate
	client   *http.Client
}

// NewHook returns a hook client. fallback decides locally when the bot's
// server cannot be reached; nil allows in that case.
func NewHook(addr string, userID int64, fallback *security.Gate) *Hook {
	return &Hook{
		addr:     addr,
		userID:   userID,
		fallback: fallback,
		client:   &http.Client{Timeout: hookTimeout},
	}
}

// Run reads one hook payload from in and writes the decision to out.
func (h *Hook) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	var req HookRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decoding hook input: %w", err)
	}
	req.UserID = h.userID

	res, err := h.ask(ctx, req)
	if err != nil {
		res = h.local(ctx, req)
	}
	return json.NewEncoder(out).Encode(newHookOutput(res))
}

func (h *Hook) ask(ctx context.Context, req HookRequest) (security.HookResult, error) {
	if h.addr == "" {
		return security.HookResult{}, fmt.Errorf("no bot address")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return security.HookResult{}, err
	}

	url := fmt.Sprintf("http://%s/hooks/pre_tool_use", h.addr)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return security.HookResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return security.HookResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return security.HookResult{}, fmt.Errorf("bot returned %s", resp.Status)
	}

	var res HookResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return security.HookResult{}, fmt.Errorf("reading bot response: %w", err)
	}
	return res, nil
}

func (h *Hook) local(ctx context.Context, req HookRequest) security.HookResult {
	if h.fallback == nil {
		return security.HookResult{}
	}
	return h.fallback.PreToolUse(ctx, req.input())
}
