/*
executor.go - Single-worker remote dispatch

PURPOSE:
  Serializes all outbound network dispatch so at most one remote write
  is in flight system-wide. This is what prevents duplicate and
  out-of-order submissions: the queue hands out one record at a time,
  and only one drain loop ever runs.

CONCURRENCY CONTRACT:
  Exactly one logical worker executes the drain loop. Concurrent
  triggers coalesce into the already-running drain (it reruns once more
  after finishing) instead of starting a second loop.

IN-FLIGHT SEMANTICS:
  The entity is marked InFlight for the duration of the send. The
  record itself stays pending/retrying on disk, so a crash mid-push
  leaves it eligible for resend; remote operations are idempotent by
  entity id.

SEE ALSO:
  - queue.go: NextEligible and the status transitions
  - orchestrator.go: The owner of the drain schedule
*/
package sync

import (
	"context"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/tallybook/ledger-client/ledger"
)

// DrainResult summarizes one drain pass for the orchestrator.
type DrainResult struct {
	Attempted int
	Succeeded int
	Permanent int
	Transient int

	// NextEligibleAt is the earliest instant a remaining record becomes
	// dispatchable; zero when the queue has no active records.
	NextEligibleAt time.Time
}

// MadeProgress reports whether the push phase moved the queue forward.
// An empty queue counts as progress (there was nothing to push); a pass
// where every attempt failed transiently means the remote is
// unreachable and pulling would be unsafe.
func (r DrainResult) MadeProgress() bool {
	if r.Attempted == 0 {
		return true
	}
	return r.Succeeded+r.Permanent > 0
}

// Executor owns remote dispatch of queued mutations.
type Executor struct {
	queue  *Queue
	remote RemoteClient
	logger *log.Logger

	mu      stdsync.Mutex
	running bool
	rerun   bool
}

// NewExecutor creates the single dispatch worker. If logger is nil, a
// default logger writing to stderr is used.
func NewExecutor(queue *Queue, remote RemoteClient, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(os.Stderr, "[Executor] ", log.LstdFlags)
	}
	return &Executor{
		queue:  queue,
		remote: remote,
		logger: logger,
	}
}

// Drain dispatches eligible records until none remain. If a drain is
// already running, the call coalesces: the running drain performs one
// more pass after it finishes, and this call returns immediately with
// an empty result.
//
// A drain over a queue with no eligible records performs zero network
// calls.
func (e *Executor) Drain(ctx context.Context) (DrainResult, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return DrainResult{}, nil
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	var total DrainResult
	for {
		res, err := e.drainPass(ctx)
		total.Attempted += res.Attempted
		total.Succeeded += res.Succeeded
		total.Permanent += res.Permanent
		total.Transient += res.Transient
		total.NextEligibleAt = res.NextEligibleAt
		if err != nil {
			return total, err
		}

		e.mu.Lock()
		again := e.rerun
		e.rerun = false
		e.mu.Unlock()
		if !again {
			return total, nil
		}
	}
}

// drainPass runs one pick-send-settle loop until the queue has no
// eligible records.
func (e *Executor) drainPass(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rec, err := e.queue.NextEligible(ctx)
		if err != nil {
			return res, err
		}
		if rec == nil {
			break
		}

		res.Attempted++
		if err := e.dispatch(ctx, rec); err != nil {
			return res, err
		}
		switch rec.Status {
		case StatusSucceeded:
			res.Succeeded++
		case StatusFailed:
			res.Permanent++
		default:
			res.Transient++
		}
	}

	at, ok, err := e.queue.NextEligibleAt(ctx)
	if err != nil {
		return res, err
	}
	if ok {
		res.NextEligibleAt = at
	}
	return res, nil
}

// dispatch sends one record and applies the matching transition.
// Returned errors are storage-level defects only; remote failures are
// absorbed into the record's status so one record's failure never
// blocks independent records.
func (e *Executor) dispatch(ctx context.Context, rec *MutationRecord) error {
	if err := e.queue.store.SetSyncState(ctx, rec.Ref(), ledger.SyncInFlight); err != nil {
		return err
	}

	sendErr := e.remote.Send(ctx, *rec)
	if sendErr == nil {
		e.logger.Printf("sent %s %s (attempt %d)", rec.Op, rec.EntityID, rec.RetryCount+1)
		return e.queue.MarkSucceeded(ctx, rec)
	}

	if IsPermanent(sendErr) {
		e.logger.Printf("permanent failure for %s %s: %v", rec.Op, rec.EntityID, sendErr)
		return e.queue.MarkFailed(ctx, rec, false)
	}

	e.logger.Printf("transient failure for %s %s (attempt %d): %v",
		rec.Op, rec.EntityID, rec.RetryCount+1, sendErr)
	if err := e.queue.MarkFailed(ctx, rec, true); err != nil {
		return err
	}
	if rec.Status == StatusFailed {
		e.logger.Printf("freezing %s %s after %d attempts: %v",
			rec.Op, rec.EntityID, rec.RetryCount, ErrRetriesExhausted)
	}
	return nil
}
