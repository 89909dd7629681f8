// Package approval resolves "approve" policy decisions, either through an
// in-process queue operators answer over the admin API or through an
// external webhook.
package approval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
)

// ErrNotFound is returned when resolving an id that is not pending, either
// because it never existed or because its caller already gave up.
var ErrNotFound = errors.New("approval request not found")

// Pending is a call waiting for an operator.
type Pending struct {
	ID        string                      `json:"id"`
	Request   interceptor.ApprovalRequest `json:"request"`
	CreatedAt time.Time                   `json:"createdAt"`
	ExpiresAt *time.Time                  `json:"expiresAt,omitempty"`
}

type pendingEntry struct {
	Pending
	decision chan interceptor.ApprovalDecision
}

// Queue holds pending approvals. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithTimeout bounds how long Approve waits on its own, independent of the
// caller's context. Zero waits for the context only.
func WithTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// WithQueueClock overrides the time source used for timestamps.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates an empty Queue. A nil logger discards output.
func NewQueue(logger *slog.Logger, opts ...QueueOption) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q := &Queue{
		pending: make(map[string]*pendingEntry),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Approve parks req until an operator resolves it, ctx ends or the queue
// timeout passes. Abandoned requests are removed and denied. It satisfies
// interceptor.ApprovalFunc.
func (q *Queue) Approve(ctx context.Context, req interceptor.ApprovalRequest) (interceptor.ApprovalDecision, error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	now := q.now()
	e := &pendingEntry{
		Pending: Pending{
			ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
			Request:   req,
			CreatedAt: now,
		},
		decision: make(chan interceptor.ApprovalDecision, 1),
	}
	if deadline, ok := ctx.Deadline(); ok {
		e.ExpiresAt = &deadline
	}

	q.mu.Lock()
	q.pending[e.ID] = e
	q.mu.Unlock()

	q.logger.Info("approval requested",
		"id", e.ID,
		"agent", req.Call.AgentID,
		"tool", req.Call.Tool,
		"category", req.Category,
		"rule", req.RuleID,
	)

	select {
	case dec := <-e.decision:
		return dec, nil
	case <-ctx.Done():
		q.remove(e.ID)
		// An operator may have resolved it between ctx ending and removal.
		select {
		case dec := <-e.decision:
			if !dec.Approved {
				return dec, nil
			}
		default:
		}
		q.logger.Info("approval abandoned", "id", e.ID, "error", ctx.Err())
		return interceptor.ApprovalDecision{}, fmt.Errorf("approval %s abandoned: %w", e.ID, ctx.Err())
	}
}

// Resolve answers a pending request. Approving something the caller has
// already abandoned returns ErrNotFound.
func (q *Queue) Resolve(id string, dec interceptor.ApprovalDecision) error {
	q.mu.Lock()
	e, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.decision <- dec
	q.logger.Info("approval resolved", "id", id, "approved", dec.Approved, "by", dec.ApprovedBy)
	return nil
}

// List returns pending requests, oldest first.
func (q *Queue) List() []Pending {
	q.mu.Lock()
	out := make([]Pending, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.Pending)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one pending request.
func (q *Queue) Get(id string) (Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok {
		return Pending{}, false
	}
	return e.Pending, true
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}
