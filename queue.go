package worldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// failuresKey holds the permanent-failure log in the settings collection.
const failuresKey = "pendingSyncFailures"

const maxKeptFailures = 100

// ApplyFunc replays one pending operation against the remote service.
type ApplyFunc func(ctx context.Context, op PendingOp) error

// QueueOptions bounds a Queue.
type QueueOptions struct {
	// AttemptCeiling is the number of failed attempts after which an op is
	// moved to the failure log. Defaults to 3.
	AttemptCeiling int
	// WarnThreshold is the queue length that triggers an overflow warning.
	// Nothing is ever dropped. Defaults to 1000.
	WarnThreshold int
}

// Queue is the durable ordered log of mutations awaiting remote
// confirmation. It keeps an in-memory mirror so that it keeps working, for
// the life of the process, when the backend is unavailable.
type Queue struct {
	backend Backend
	bus     *Bus
	logger  *zap.Logger
	ceiling int
	warnAt  int

	mu       sync.Mutex
	ops      []PendingOp
	nextID   int64
	failures []OpFailure
	draining bool
	warned   bool
	now      func() time.Time
}

// NewQueue loads any persisted operations from backend. An unavailable
// backend is not an error; the queue then runs in memory only.
func NewQueue(ctx context.Context, backend Backend, bus *Bus, logger *zap.Logger, opts QueueOptions) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = NewBus(logger)
	}
	if opts.AttemptCeiling <= 0 {
		opts.AttemptCeiling = DefaultAttemptCeiling
	}
	if opts.WarnThreshold <= 0 {
		opts.WarnThreshold = DefaultWarnThreshold
	}
	q := &Queue{
		backend: backend,
		bus:     bus,
		logger:  logger,
		ceiling: opts.AttemptCeiling,
		warnAt:  opts.WarnThreshold,
		nextID:  1,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, err := q.backend.GetAll(ctx, CollectionPending)
	if errors.Is(err, ErrStorageUnavailable) {
		q.logger.Warn("Pending queue running in memory only")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending queue: %w", err)
	}
	for _, data := range raw {
		var op PendingOp
		if err := json.Unmarshal(data, &op); err != nil {
			q.logger.Error("Skipping unreadable pending op", zap.Error(err))
			continue
		}
		q.ops = append(q.ops, op)
	}
	// Keys sort as strings in the backend; enqueue order is by id.
	sort.Slice(q.ops, func(i, j int) bool { return q.ops[i].ID < q.ops[j].ID })
	if n := len(q.ops); n > 0 {
		q.nextID = q.ops[n-1].ID + 1
	}

	if data, err := q.backend.Get(ctx, CollectionSettings, failuresKey); err == nil {
		var s Setting
		if err := json.Unmarshal(data, &s); err == nil {
			_ = json.Unmarshal(s.Value, &q.failures)
		}
	}
	return nil
}

func opKey(id int64) string { return strconv.FormatInt(id, 10) }

// Enqueue appends op with the next sequence id and attempts set to zero. The
// op is kept in memory even when persisting it fails; the returned error
// reports the persistence failure only.
func (q *Queue) Enqueue(ctx context.Context, op PendingOp) (PendingOp, error) {
	q.mu.Lock()
	op.ID = q.nextID
	q.nextID++
	op.Attempts = 0
	op.LastError = ""
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}
	q.ops = append(q.ops, op)
	length := len(q.ops)
	overflow := length > q.warnAt && !q.warned
	if overflow {
		q.warned = true
	}
	q.mu.Unlock()

	q.logger.Debug("Operation queued",
		zap.Int64("id", op.ID),
		zap.String("op", string(op.Op)),
		zap.String("target", op.TargetID),
		zap.Int("queue_length", length))

	if overflow {
		q.logger.Warn("Pending queue over threshold",
			zap.Int("queue_length", length), zap.Int("threshold", q.warnAt))
		q.bus.Publish(Event{Type: EventQueueOverflow, Err: ErrQueueOverflow, Attempt: length})
	}

	if err := q.persist(ctx, op); err != nil {
		return op, err
	}
	return op, nil
}

func (q *Queue) persist(ctx context.Context, op PendingOp) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode pending op: %w", err)
	}
	if err := q.backend.Put(ctx, CollectionPending, opKey(op.ID), data); err != nil {
		if !errors.Is(err, ErrStorageUnavailable) {
			q.logger.Error("Failed to persist pending op", zap.Int64("id", op.ID), zap.Error(err))
		}
		return err
	}
	return nil
}

func (q *Queue) unpersist(ctx context.Context, id int64) {
	if err := q.backend.Delete(ctx, CollectionPending, opKey(id)); err != nil && !errors.Is(err, ErrStorageUnavailable) {
		q.logger.Error("Failed to remove pending op", zap.Int64("id", id), zap.Error(err))
	}
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// List returns a copy of the queued operations in enqueue order.
func (q *Queue) List() []PendingOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingOp(nil), q.ops...)
}

// PendingDeletes returns the ids of target whose latest queued op is a
// delete.
func (q *Queue) PendingDeletes(target TargetType) map[string]bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	deleted := make(map[string]bool)
	for _, op := range q.ops {
		if op.Target != target {
			continue
		}
		if op.Op == OpDelete {
			deleted[op.TargetID] = true
		} else {
			delete(deleted, op.TargetID)
		}
	}
	return deleted
}

// Failures returns operations that exhausted their attempts, oldest first.
func (q *Queue) Failures() []OpFailure {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]OpFailure(nil), q.failures...)
}

// Drain replays queued operations in enqueue order. A confirmed op is
// removed. A failed op has its attempt count raised and stays queued until
// the count reaches the ceiling, at which point it moves to the failure log.
// Once an op for a target fails, later ops for that target wait for the next
// pass so they never overtake it. An unreachable remote ends the pass.
//
// Drain is safe to call repeatedly; a call made while another pass is
// running returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) DrainReport {
	q.mu.Lock()
	if q.draining {
		n := len(q.ops)
		q.mu.Unlock()
		return DrainReport{Skipped: true, Remaining: n}
	}
	q.draining = true
	batch := append([]PendingOp(nil), q.ops...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var report DrainReport
	blocked := make(map[string]bool)

	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}
		target := string(op.Target) + "/" + op.TargetID
		if blocked[target] {
			continue
		}

		report.Attempted++
		err := apply(ctx, op)
		if err == nil {
			q.remove(op.ID)
			q.unpersist(ctx, op.ID)
			report.Confirmed++
			continue
		}

		blocked[target] = true
		op.Attempts++
		op.LastError = err.Error()
		q.logger.Warn("Pending op failed",
			zap.Int64("id", op.ID),
			zap.String("op", string(op.Op)),
			zap.String("target", op.TargetID),
			zap.Int("attempt", op.Attempts),
			zap.Error(err))

		if op.Attempts >= q.ceiling {
			failure := OpFailure{
				Op:       op,
				Err:      fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err).Error(),
				FailedAt: q.now(),
			}
			q.remove(op.ID)
			q.unpersist(ctx, op.ID)
			q.recordFailure(ctx, failure)
			report.Failed = append(report.Failed, failure)
			q.bus.Publish(Event{
				Type:    EventOpFailed,
				Err:     fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
				Attempt: op.Attempts,
				Failure: &failure,
			})
		} else {
			q.update(op)
			if err := q.persist(ctx, op); err != nil && !errors.Is(err, ErrStorageUnavailable) {
				q.logger.Error("Failed to record attempt", zap.Int64("id", op.ID), zap.Error(err))
			}
			report.Retrying++
		}

		if errors.Is(err, ErrRemoteUnreachable) {
			break
		}
	}

	q.mu.Lock()
	report.Remaining = len(q.ops)
	if report.Remaining <= q.warnAt {
		q.warned = false
	}
	q.mu.Unlock()
	return report
}

func (q *Queue) remove(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

func (q *Queue) update(op PendingOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops[i] = op
			return
		}
	}
}

func (q *Queue) recordFailure(ctx context.Context, f OpFailure) {
	q.mu.Lock()
	q.failures = append(q.failures, f)
	if len(q.failures) > maxKeptFailures {
		q.failures = q.failures[len(q.failures)-maxKeptFailures:]
	}
	value, err := json.Marshal(q.failures)
	q.mu.Unlock()
	if err != nil {
		return
	}

	data, err := json.Marshal(Setting{Key: failuresKey, Value: value, LastModified: f.FailedAt})
	if err != nil {
		return
	}
	if err := q.backend.Put(ctx, CollectionSettings, failuresKey, data); err != nil && !errors.Is(err, ErrStorageUnavailable) {
		q.logger.Error("Failed to persist failure log", zap.Error(err))
	}
}
