package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// parser attempts one wire format. It returns ok=false when any required
// field is missing or has the wrong type.
type parser func(f fields, agentID string) (*NormalizedMessage, bool)

// parsers is the fixed detection order. A message that happens to satisfy a
// looser shape must still be claimed by the stricter format first.
var parsers = []parser{
	parseRequestFrame,
	parseLegacy,
	parseJSONRPC,
	parseSimple,
}

// Normalize detects the wire format of raw and converts it to a
// NormalizedMessage. Unrecognized or malformed input returns false.
func Normalize(raw []byte, agentID string) (*NormalizedMessage, bool) {
	var f fields
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&f); err != nil || f == nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}

	for _, parse := range parsers {
		if msg, ok := parse(f, agentID); ok {
			return msg, true
		}
	}
	return nil, false
}

func parseRequestFrame(f fields, agentID string) (*NormalizedMessage, bool) {
	if t, ok := f.str("type"); !ok || t != "req" {
		return nil, false
	}
	if m, ok := f.str("method"); !ok || m != "node.invoke" {
		return nil, false
	}
	id, ok := f.str("id")
	if !ok || id == "" {
		return nil, false
	}
	params, ok := f.object("params")
	if !ok {
		return nil, false
	}
	nodeID, ok := params.str("nodeId")
	if !ok {
		return nil, false
	}
	command, ok := params.str("command")
	if !ok || command == "" {
		return nil, false
	}
	args, ok := params.argsOrEncoded("params")
	if !ok {
		return nil, false
	}

	msg := &NormalizedMessage{
		Format: FormatRequestFrame,
		ID:     f["id"],
		NodeID: nodeID,
	}
	if params.has("timeoutMs") {
		ms, ok := params.integer("timeoutMs")
		if !ok || ms < 0 {
			return nil, false
		}
		msg.TimeoutMs = ms
	}
	if params.has("idempotencyKey") {
		key, ok := params.str("idempotencyKey")
		if !ok {
			return nil, false
		}
		msg.IdempotencyKey = key
	}
	msg.Call = newCall(command, args, agentID, "")
	return msg, true
}

func parseLegacy(f fields, agentID string) (*NormalizedMessage, bool) {
	if t, ok := f.str("type"); !ok || t != "tool_invoke" {
		return nil, false
	}
	if !f.scalarID("id") {
		return nil, false
	}
	sessionID, ok := f.optionalStr("sessionId")
	if !ok {
		return nil, false
	}
	data, ok := f.object("data")
	if !ok {
		return nil, false
	}
	tool, ok := data.str("tool")
	if !ok || tool == "" {
		return nil, false
	}
	args, ok := data.args("args")
	if !ok {
		return nil, false
	}
	return &NormalizedMessage{
		Format:    FormatLegacy,
		ID:        f["id"],
		SessionID: sessionID,
		Call:      newCall(tool, args, agentID, sessionID),
	}, true
}

func parseJSONRPC(f fields, agentID string) (*NormalizedMessage, bool) {
	if v, ok := f.str("jsonrpc"); !ok || v != "2.0" {
		return nil, false
	}
	if m, ok := f.str("method"); !ok || m != "tools/call" {
		return nil, false
	}
	if f.has("id") && !f.isNull("id") && !f.scalarID("id") {
		return nil, false
	}
	params, ok := f.object("params")
	if !ok {
		return nil, false
	}
	name, ok := params.str("name")
	if !ok || name == "" {
		return nil, false
	}
	args, ok := params.args("arguments")
	if !ok {
		return nil, false
	}
	msg := &NormalizedMessage{
		Format: FormatJSONRPC,
		Call:   newCall(name, args, agentID, ""),
	}
	if f.has("id") && !f.isNull("id") {
		msg.ID = f["id"]
	}
	return msg, true
}

func parseSimple(f fields, agentID string) (*NormalizedMessage, bool) {
	if f.has("type") || f.has("jsonrpc") {
		return nil, false
	}
	tool, ok := f.str("tool")
	if !ok || tool == "" {
		return nil, false
	}
	args, ok := f.args("args")
	if !ok {
		return nil, false
	}
	sessionID, ok := f.optionalStr("sessionId")
	if !ok {
		return nil, false
	}
	msg := &NormalizedMessage{
		Format:    FormatSimple,
		SessionID: sessionID,
		Call:      newCall(tool, args, agentID, sessionID),
	}
	if f.scalarID("id") {
		msg.ID = f["id"]
	}
	return msg, true
}

func newCall(tool string, args map[string]any, agentID, sessionID string) ToolCall {
	return ToolCall{
		Tool:      tool,
		Arguments: args,
		AgentID:   agentID,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// fields is one decoded JSON object level with values left raw so each
// parser can check types without committing to a shape.
type fields map[string]json.RawMessage

func (f fields) has(key string) bool {
	_, ok := f[key]
	return ok
}

func (f fields) isNull(key string) bool {
	return bytes.Equal(bytes.TrimSpace(f[key]), []byte("null"))
}

// str returns the value at key if it is present and a JSON string.
func (f fields) str(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// optionalStr accepts an absent or null key; a present value must be a string.
func (f fields) optionalStr(key string) (string, bool) {
	if !f.has(key) || f.isNull(key) {
		return "", true
	}
	return f.str(key)
}

func (f fields) integer(key string) (int64, bool) {
	var n float64
	if err := json.Unmarshal(f[key], &n); err != nil {
		return 0, false
	}
	if n != math.Trunc(n) {
		return 0, false
	}
	return int64(n), true
}

// scalarID reports whether key holds a string or a number.
func (f fields) scalarID(key string) bool {
	raw := bytes.TrimSpace(f[key])
	if len(raw) == 0 {
		return false
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		return json.Unmarshal(raw, &s) == nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(raw, &n) == nil
	}
	return false
}

func (f fields) object(key string) (fields, bool) {
	raw, ok := f[key]
	if !ok {
		return nil, false
	}
	var obj fields
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// args decodes an optional argument object. Absent or null yields an
// empty map; any non-object value fails.
func (f fields) args(key string) (map[string]any, bool) {
	if !f.has(key) || f.isNull(key) {
		return map[string]any{}, true
	}
	return decodeArgs(f[key])
}

// argsOrEncoded is args, but also accepts an object that was itself
// JSON-encoded into a string.
func (f fields) argsOrEncoded(key string) (map[string]any, bool) {
	if s, ok := f.str(key); ok {
		if s == "" {
			return map[string]any{}, true
		}
		return decodeArgs(json.RawMessage(s))
	}
	return f.args(key)
}

func decodeArgs(raw json.RawMessage) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}
