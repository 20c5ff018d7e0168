/*
orchestrator.go - Push-then-pull sync cycles

PURPOSE:
  Sequences push and pull so pulled remote state never overwrites an
  unsynced local edit and a pull never races an in-flight push for the
  same entity. Cycles are driven by lifecycle events: startup, a
  periodic timer, manual refresh, and connectivity changes.

CYCLE:
  push phase: drain the queue until it has no eligible records
  pull phase: fetch remote snapshots per entity type and merge them

MERGE RULE:
  An entity with local syncState Clean (or unknown locally) is
  overwritten by remote data - the server is authoritative once we are
  caught up. Dirty, InFlight, and ConflictFailed entities are skipped:
  the uncommitted local edit is protected. Entities that are locally
  Clean but absent from the remote snapshot were deleted remotely and
  are removed.

OFFLINE CYCLES:
  If the push phase made no progress (every attempt failed
  transiently), pulling against an unknown-dirty local state is unsafe;
  the pull phase is skipped and the full cycle retries on the next
  trigger.

DESIGN:
  Single consumer goroutine owning the drain schedule, fed by a bounded
  trigger channel. Concurrent triggers coalesce; there is never a
  second cycle running.

SEE ALSO:
  - executor.go: The push phase
  - remote.go: The pull contract
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

// DefaultSyncInterval is how often a cycle runs without other triggers.
const DefaultSyncInterval = 5 * time.Minute

// CycleReport summarizes one push-then-pull cycle.
type CycleReport struct {
	Push        DrainResult
	PullSkipped bool
	Applied     int // remote entities written to the local store
	Deleted     int // locally Clean entities removed because absent remotely
	Protected   int // entities skipped because a local edit is unsynced
	PullErrors  int // entity types whose fetch failed this cycle
}

// Orchestrator drives push-then-pull cycles on a single goroutine.
type Orchestrator struct {
	store    Storage
	executor *Executor
	remote   RemoteClient
	logger   *log.Logger

	Interval time.Duration

	triggers chan struct{}
	stop     chan struct{}
	wg       stdsync.WaitGroup
	mu       stdsync.Mutex
	started  bool

	reportMu    stdsync.Mutex
	lastReport  CycleReport
	lastCycleAt time.Time
}

// NewOrchestrator wires the cycle driver. Dependencies are explicit
// handles constructed once by the caller; there are no package-level
// singletons.
func NewOrchestrator(store Storage, executor *Executor, remote RemoteClient, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[Orchestrator] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:    store,
		executor: executor,
		remote:   remote,
		logger:   logger,
		Interval: DefaultSyncInterval,
		triggers: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the cycle goroutine. An initial cycle runs
// immediately (the foreground/startup trigger).
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	o.wg.Add(1)
	go o.run()
	o.logger.Printf("started with interval %v", o.Interval)
}

// Stop shuts the cycle goroutine down and waits for it to finish. An
// in-flight push is not preempted mid-request; the drain observes the
// cancelled context between records.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	o.started = false
	close(o.stop)
	o.wg.Wait()
	o.logger.Printf("stopped")
}

// TriggerNow requests a cycle (manual refresh). Non-blocking: if a
// trigger is already queued or a cycle is running, the request
// coalesces into it.
func (o *Orchestrator) TriggerNow() {
	select {
	case o.triggers <- struct{}{}:
	default:
	}
}

// NotifyConnectivity feeds connectivity-change events into the
// schedule. Regaining connectivity triggers an immediate cycle.
func (o *Orchestrator) NotifyConnectivity(online bool) {
	if online {
		o.TriggerNow()
	}
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-o.stop
		cancel()
	}()

	timer := time.NewTimer(0) // immediate startup cycle
	defer timer.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-timer.C:
		case <-o.triggers:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		report, err := o.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Printf("cycle error: %v", err)
		}
		timer.Reset(o.nextWake(report))
	}
}

// nextWake picks the shorter of the regular interval and the nearest
// backoff expiry, so a retrying record is not left waiting for the
// next full interval.
func (o *Orchestrator) nextWake(report CycleReport) time.Duration {
	wake := o.Interval
	if at := report.Push.NextEligibleAt; !at.IsZero() {
		if d := time.Until(at); d < wake {
			wake = d
		}
	}
	if wake < time.Second {
		wake = time.Second
	}
	return wake
}

// =============================================================================
// CYCLE
// =============================================================================

// LastReport returns the most recent cycle's report and when it ran.
// ok is false before the first cycle completes.
func (o *Orchestrator) LastReport() (report CycleReport, at time.Time, ok bool) {
	o.reportMu.Lock()
	defer o.reportMu.Unlock()
	return o.lastReport, o.lastCycleAt, !o.lastCycleAt.IsZero()
}

func (o *Orchestrator) recordReport(report CycleReport) {
	o.reportMu.Lock()
	o.lastReport = report
	o.lastCycleAt = time.Now()
	o.reportMu.Unlock()
}

// RunCycle executes one push-then-pull cycle synchronously. Exposed for
// manual invocation and tests; the background goroutine calls it too.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	defer func() { o.recordReport(report) }()

	push, err := o.executor.Drain(ctx)
	report.Push = push
	if err != nil {
		return report, err
	}

	if !push.MadeProgress() {
		report.PullSkipped = true
		o.logger.Printf("push made no progress (%d transient failures); skipping pull", push.Transient)
		return report, nil
	}

	o.pull(ctx, &report)
	o.logger.Printf("cycle complete: pushed %d/%d, pulled %d, protected %d, deleted %d",
		push.Succeeded, push.Attempted, report.Applied, report.Protected, report.Deleted)
	return report, nil
}

// pull fetches and merges each entity type independently. A fetch
// failure for one type is logged and counted without aborting the
// others: there is no transactional cross-entity consistency at the
// remote.
func (o *Orchestrator) pull(ctx context.Context, report *CycleReport) {
	if err := o.pullAccounts(ctx, report); err != nil {
		report.PullErrors++
		o.logger.Printf("pull accounts: %v", err)
	}
	if err := o.pullTransactions(ctx, report); err != nil {
		report.PullErrors++
		o.logger.Printf("pull transactions: %v", err)
	}
	if err := o.pullUnits(ctx, report); err != nil {
		report.PullErrors++
		o.logger.Printf("pull units: %v", err)
	}
	if err := o.pullTags(ctx, report); err != nil {
		report.PullErrors++
		o.logger.Printf("pull tags: %v", err)
	}
	if err := o.pullPrices(ctx, report); err != nil {
		report.PullErrors++
		o.logger.Printf("pull prices: %v", err)
	}
}

// queuedRefs collects the entities referenced by non-terminal queue
// records. A queued record is an unsynced local edit even when the
// local row is already gone (a pending delete), so pulls must neither
// overwrite nor resurrect these entities.
func queuedRefs(ctx context.Context, s Storage) (map[ledger.EntityRef]bool, error) {
	recs, err := s.ListActiveRecords(ctx)
	if err != nil {
		return nil, err
	}
	refs := make(map[ledger.EntityRef]bool, len(recs))
	for _, r := range recs {
		refs[r.Ref()] = true
	}
	return refs, nil
}

func (o *Orchestrator) pullAccounts(ctx context.Context, report *CycleReport) error {
	remote, err := o.remote.FetchAccounts(ctx)
	if err != nil {
		return err
	}
	return o.store.WithTx(ctx, func(s Storage) error {
		locals, err := s.ListAccounts(ctx)
		if err != nil {
			return err
		}
		queued, err := queuedRefs(ctx, s)
		if err != nil {
			return err
		}
		states := make(map[ledger.AccountID]ledger.SyncState, len(locals))
		for _, l := range locals {
			states[l.ID] = l.SyncState
		}

		seen := make(map[ledger.AccountID]bool, len(remote))
		for _, r := range remote {
			seen[r.ID] = true
			state, ok := states[r.ID]
			if (ok && state.Protected()) || queued[r.Ref()] {
				report.Protected++
				continue
			}
			r.SyncState = ledger.SyncClean
			if err := s.SaveAccount(ctx, r); err != nil {
				return err
			}
			report.Applied++
		}

		for _, l := range locals {
			if !seen[l.ID] && !l.SyncState.Protected() {
				if err := s.DeleteAccount(ctx, l.ID); err != nil {
					return err
				}
				report.Deleted++
			}
		}
		return nil
	})
}

func (o *Orchestrator) pullTransactions(ctx context.Context, report *CycleReport) error {
	remote, err := o.remote.FetchTransactions(ctx)
	if err != nil {
		return err
	}
	return o.store.WithTx(ctx, func(s Storage) error {
		locals, err := s.ListTransactions(ctx)
		if err != nil {
			return err
		}
		queued, err := queuedRefs(ctx, s)
		if err != nil {
			return err
		}
		states := make(map[ledger.TransactionID]ledger.SyncState, len(locals))
		for _, l := range locals {
			states[l.ID] = l.SyncState
		}

		seen := make(map[ledger.TransactionID]bool, len(remote))
		for _, r := range remote {
			seen[r.ID] = true
			state, ok := states[r.ID]
			if (ok && state.Protected()) || queued[r.Ref()] {
				report.Protected++
				continue
			}
			r.SyncState = ledger.SyncClean
			if err := s.SaveTransaction(ctx, r); err != nil {
				return err
			}
			report.Applied++
		}

		for _, l := range locals {
			if !seen[l.ID] && !l.SyncState.Protected() {
				if err := s.DeleteTransaction(ctx, l.ID); err != nil {
					return err
				}
				report.Deleted++
			}
		}
		return nil
	})
}

func (o *Orchestrator) pullUnits(ctx context.Context, report *CycleReport) error {
	remote, err := o.remote.FetchUnits(ctx)
	if err != nil {
		return err
	}
	return o.store.WithTx(ctx, func(s Storage) error {
		locals, err := s.ListUnits(ctx)
		if err != nil {
			return err
		}
		queued, err := queuedRefs(ctx, s)
		if err != nil {
			return err
		}
		states := make(map[ledger.UnitID]ledger.SyncState, len(locals))
		for _, l := range locals {
			states[l.ID] = l.SyncState
		}

		seen := make(map[ledger.UnitID]bool, len(remote))
		for _, r := range remote {
			seen[r.ID] = true
			state, ok := states[r.ID]
			if (ok && state.Protected()) || queued[r.Ref()] {
				report.Protected++
				continue
			}
			r.SyncState = ledger.SyncClean
			if err := s.SaveUnit(ctx, r); err != nil {
				return err
			}
			report.Applied++
		}

		for _, l := range locals {
			if !seen[l.ID] && !l.SyncState.Protected() {
				if err := s.DeleteUnit(ctx, l.ID); err != nil {
					return err
				}
				report.Deleted++
			}
		}
		return nil
	})
}

// Tags and prices are pull-only reference data: the client never queues
// mutations for them, so the remote snapshot always wins.

func (o *Orchestrator) pullTags(ctx context.Context, report *CycleReport) error {
	remote, err := o.remote.FetchTags(ctx)
	if err != nil {
		return err
	}
	return o.store.WithTx(ctx, func(s Storage) error {
		locals, err := s.ListTags(ctx)
		if err != nil {
			return err
		}
		seen := make(map[ledger.TagID]bool, len(remote))
		for _, r := range remote {
			seen[r.ID] = true
			r.SyncState = ledger.SyncClean
			if err := s.SaveTag(ctx, r); err != nil {
				return err
			}
			report.Applied++
		}
		for _, l := range locals {
			if !seen[l.ID] {
				if err := s.DeleteTag(ctx, l.ID); err != nil {
					return err
				}
				report.Deleted++
			}
		}
		return nil
	})
}

func (o *Orchestrator) pullPrices(ctx context.Context, report *CycleReport) error {
	remote, err := o.remote.FetchPrices(ctx)
	if err != nil {
		return err
	}
	return o.store.WithTx(ctx, func(s Storage) error {
		locals, err := s.ListPrices(ctx)
		if err != nil {
			return err
		}
		seen := make(map[ledger.PriceID]bool, len(remote))
		for _, r := range remote {
			seen[r.ID] = true
			r.SyncState = ledger.SyncClean
			if err := s.SavePrice(ctx, r); err != nil {
				return err
			}
			report.Applied++
		}
		for _, l := range locals {
			if !seen[l.ID] {
				if err := s.DeletePrice(ctx, l.ID); err != nil {
					return err
				}
				report.Deleted++
			}
		}
		return nil
	})
}
