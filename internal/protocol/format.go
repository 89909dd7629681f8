package protocol

import (
	"encoding/json"
	"fmt"
)

type decisionPayload struct {
	Decision        Decision `json:"decision"`
	Reason          string   `json:"reason"`
	Tool            string   `json:"tool,omitempty"`
	ExecutionTimeMs float64  `json:"executionTimeMs"`
	RetryAfterMs    int64    `json:"retryAfterMs,omitempty"`
}

// ── request frame ──

type frameResponse struct {
	Type    string           `json:"type"`
	ID      json.RawMessage  `json:"id"`
	OK      bool             `json:"ok"`
	Payload *decisionPayload `json:"payload,omitempty"`
	Error   *frameError      `json:"error,omitempty"`
}

type frameError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details frameDetails `json:"details"`
}

type frameDetails struct {
	Tool         string   `json:"tool"`
	Decision     Decision `json:"decision"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
}

// ── legacy frame ──

type legacyResponse struct {
	Type      string           `json:"type"`
	ID        json.RawMessage  `json:"id"`
	SessionID string           `json:"sessionId,omitempty"`
	Data      *decisionPayload `json:"data,omitempty"`
	Error     *legacyError     `json:"error,omitempty"`
}

type legacyError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// ── JSON-RPC ──

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *rpcResult      `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	Content []rpcContent `json:"content"`
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rpcError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    rpcErrorData `json:"data"`
}

type rpcErrorData struct {
	Decision     Decision `json:"decision"`
	Code         string   `json:"code"`
	Tool         string   `json:"tool,omitempty"`
	RetryAfterMs int64    `json:"retryAfterMs,omitempty"`
}

// ── simple ──

type simpleResponse struct {
	ID        json.RawMessage `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	decisionPayload
}

var nullID = json.RawMessage("null")

// FormatResponse encodes res in msg's originating format, echoing the
// message's id and sessionId.
func FormatResponse(msg *NormalizedMessage, res Result) ([]byte, error) {
	payload := decisionPayload{
		Decision:        res.Decision,
		Reason:          res.Reason,
		Tool:            msg.Call.Tool,
		ExecutionTimeMs: res.executionTimeMs(),
		RetryAfterMs:    res.RetryAfterMs,
	}

	var out any
	switch msg.Format {
	case FormatRequestFrame:
		r := frameResponse{Type: "res", ID: idOrNull(msg.ID), OK: res.Allowed()}
		if res.Allowed() {
			r.Payload = &payload
		} else {
			r.Error = &frameError{
				Code:    res.errorCode(),
				Message: res.Reason,
				Details: frameDetails{Tool: msg.Call.Tool, Decision: res.Decision, RetryAfterMs: res.RetryAfterMs},
			}
		}
		out = r

	case FormatLegacy:
		r := legacyResponse{ID: idOrNull(msg.ID), SessionID: msg.SessionID}
		if res.Allowed() {
			r.Type = "tool_result"
			r.Data = &payload
		} else {
			r.Type = "error"
			r.Error = &legacyError{Code: res.errorCode(), Message: res.Reason, RetryAfterMs: res.RetryAfterMs}
		}
		out = r

	case FormatJSONRPC:
		r := rpcResponse{JSONRPC: "2.0", ID: idOrNull(msg.ID)}
		if res.Allowed() {
			text, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encoding result payload: %w", err)
			}
			r.Result = &rpcResult{Content: []rpcContent{{Type: "text", Text: string(text)}}}
		} else {
			r.Error = &rpcError{
				Code:    res.rpcCode(),
				Message: res.Reason,
				Data:    rpcErrorData{Decision: res.Decision, Code: res.errorCode(), Tool: msg.Call.Tool, RetryAfterMs: res.RetryAfterMs},
			}
		}
		out = r

	case FormatSimple:
		out = simpleResponse{ID: msg.ID, SessionID: msg.SessionID, decisionPayload: payload}

	default:
		return nil, fmt.Errorf("unknown message format %q", msg.Format)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding %s response: %w", msg.Format, err)
	}
	return data, nil
}

// FormatUnrecognized is the reply for input Normalize could not place.
// JSON-RPC callers get a parse error; everyone else gets the simple shape.
func FormatUnrecognized(raw []byte, reason string) []byte {
	var head struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
	}
	if json.Unmarshal(raw, &head) == nil && head.JSONRPC == "2.0" {
		data, _ := json.Marshal(rpcResponse{
			JSONRPC: "2.0",
			ID:      idOrNull(head.ID),
			Error: &rpcError{
				Code:    rpcInvalidRequest,
				Message: reason,
				Data:    rpcErrorData{Decision: DecisionBlocked, Code: "INVALID_MESSAGE"},
			},
		})
		return data
	}
	data, _ := json.Marshal(map[string]string{
		"decision": string(DecisionBlocked),
		"reason":   reason,
		"code":     "INVALID_MESSAGE",
	})
	return data
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}
