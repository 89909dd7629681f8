package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Record is one audited decision. Argument values are never stored; only
// their digest is.
type Record struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"requestId,omitempty"`
	AgentID         string    `json:"agentId"`
	SessionID       string    `json:"sessionId,omitempty"`
	Tool            string    `json:"tool"`
	Category        string    `json:"category"`
	Entity          string    `json:"entity"`
	Operation       string    `json:"operation,omitempty"`
	Decision        string    `json:"decision"`
	RuleID          string    `json:"ruleId,omitempty"`
	Reason          string    `json:"reason"`
	Code            string    `json:"code,omitempty"`
	Format          string    `json:"format,omitempty"`
	Transport       string    `json:"transport,omitempty"`
	Approved        bool      `json:"approved,omitempty"`
	Replayed        bool      `json:"replayed,omitempty"`
	ExecutionTimeMs float64   `json:"executionTimeMs"`
	ArgsDigest      string    `json:"argsDigest,omitempty"`
}

// NewID returns a random record id.
func NewID() string { return uuid.NewString() }

// Blocked reports whether the record describes a refused call.
func (r Record) Blocked() bool { return r.Decision != "allowed" }

// ArgsDigest is the hex BLAKE3 hash of args encoded as JSON. Map keys are
// sorted by encoding/json, so equal argument sets hash equally.
func ArgsDigest(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sink receives audit records. Write must not block the decision path.
type Sink interface {
	Write(ctx context.Context, rec Record)
	Close() error
}

// Fanout writes every record to each of its sinks.
type Fanout []Sink

func (f Fanout) Write(ctx context.Context, rec Record) {
	for _, s := range f {
		s.Write(ctx, rec)
	}
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
