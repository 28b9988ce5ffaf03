package toolbridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/berth-dev/claudegram/internal/tools"
)

// jsonRPCRequest is a JSON-RPC 2.0 request from Claude's MCP layer.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response written back to stdout.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolListResult struct {
	Tools []tools.Tool `json:"tools"`
}

// Bridge is the MCP stdio server Claude spawns. It lists the registered
// tools and forwards every call to the bot's Server.
type Bridge struct {
	addr   string
	userID int64
	defs   []tools.Tool
	client *http.Client
}

// NewBridge returns a bridge for userID that forwards to the server at addr.
func NewBridge(addr string, userID int64, defs []tools.Tool) *Bridge {
	return &Bridge{
		addr:   addr,
		userID: userID,
		defs:   defs,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Run reads JSON-RPC requests from in until EOF and writes responses to out.
func (b *Bridge) Run(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(rpcError(nil, -32700, fmt.Sprintf("parse error: %v", err))); err != nil {
				return err
			}
			continue
		}

		resp, ok := b.handle(req)
		if !ok {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handle answers one request. Notifications produce no response.
func (b *Bridge) handle(req jsonRPCRequest) (jsonRPCResponse, bool) {
	switch req.Method {
	case "initialize":
		return rpcResult(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    tools.ServerName,
				"version": tools.ServerVersion,
			},
		}), true

	case "notifications/initialized":
		return jsonRPCResponse{}, false

	case "tools/list":
		return rpcResult(req.ID, toolListResult{Tools: b.defs}), true

	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, -32602, fmt.Sprintf("invalid params: %v", err)), true
		}
		return rpcResult(req.ID, b.call(params)), true
	}
	return rpcError(req.ID, -32601, fmt.Sprintf("method not found: %s", req.Method)), true
}

func (b *Bridge) call(params toolCallParams) tools.Result {
	body, err := json.Marshal(ToolCallRequest{
		UserID:    b.userID,
		Name:      params.Name,
		Arguments: params.Arguments,
	})
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("encoding tool call: %v", err))
	}

	url := fmt.Sprintf("http://%s/tools/call", b.addr)
	resp, err := b.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("bot request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return tools.ErrorResult(fmt.Sprintf("bot returned %s: %s", resp.Status, bytes.TrimSpace(msg)))
	}
	var res ToolCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return tools.ErrorResult(fmt.Sprintf("reading bot response: %v", err))
	}
	return res
}

func rpcResult(id json.RawMessage, result any) jsonRPCResponse {
	return jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcError(id json.RawMessage, code int, msg string) jsonRPCResponse {
	return jsonRPCResponse{JSONRPC: "2.0", ID: id, Error: &jsonRPCError{Code: code, Message: msg}}
}
