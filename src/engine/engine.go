// Package engine owns the application state machine. Every status change in
// the system funnels through here: vote-driven arming and disarming, grace
// window timers, and the final at-most-once resolution. Nothing else writes
// Application.Status.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/gatekeeper/src/GKApi/data"
	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"github.com/stake-plus/gatekeeper/src/tally"
)

// casRetries bounds how often a vote evaluation retries a lost
// compare-and-set before giving up.
const casRetries = 3

// fireRetryDelay is how long a timer fire waits before retrying after a
// failed ledger read. The deadline has already passed at that point.
const fireRetryDelay = 5 * time.Second

// Store is the ledger surface the engine drives the decision flow through.
// *ledger.Ledger implements it.
type Store interface {
	CreateIfUnseen(app *types.Application) error
	Get(appID uint64) (*types.Application, error)
	UpsertVote(appID uint64, reviewerID string, choice uint8) error
	Votes(appID uint64) (tally.Counts, error)
	CompareAndSetStatus(appID uint64, expect, next uint8, extra map[string]interface{}) (bool, error)
	Armed() ([]types.Application, error)
	RecordOutcomeFailure(appID uint64, outcome uint8, actErr error) error
	Failure(id uint64) (*types.OutcomeFailure, error)
	MarkRetried(id uint64) error
}

// Actuator delivers the outcome side effect once an application is resolved.
// It runs after the terminal status is committed; a failure is recorded for
// retry and never rolls the resolution back.
type Actuator interface {
	Deliver(ctx context.Context, app *types.Application, outcome uint8) error
}

// Settings are the tunables read fresh on every evaluation so the settings
// table can be changed without restarting.
type Settings struct {
	Thresholds tally.Thresholds
	Grace      time.Duration
}

// StoreSettings reads the engine tunables from the settings cache. Threshold
// values below 1 and negative grace periods are clamped.
func StoreSettings() Settings {
	accept := data.GetIntSetting("accept_threshold", 3)
	if accept < 1 {
		accept = 1
	}
	reject := data.GetIntSetting("reject_threshold", 3)
	if reject < 1 {
		reject = 1
	}
	grace := data.GetIntSetting("grace_period_seconds", 300)
	if grace < 0 {
		grace = 0
	}
	return Settings{
		Thresholds: tally.Thresholds{Accept: accept, Reject: reject},
		Grace:      time.Duration(grace) * time.Second,
	}
}

type Engine struct {
	ledger   Store
	rdb      *redis.Client
	actuator Actuator
	settings func() Settings

	// OnChange is called after any tally or status change so the review
	// surface can refresh its rendering. Wire it before Start.
	OnChange func(app *types.Application, counts tally.Counts)

	ctx        context.Context
	timers     *timerSet
	retryDelay time.Duration
}

func New(l Store, rdb *redis.Client, act Actuator, settings func() Settings) *Engine {
	return &Engine{
		ledger:     l,
		rdb:        rdb,
		actuator:   act,
		settings:   settings,
		ctx:        context.Background(),
		timers:     newTimerSet(),
		retryDelay: fireRetryDelay,
	}
}

func (e *Engine) Name() string { return "engine" }

// Start resumes grace timers for applications that were armed when the
// process last stopped. Deadlines already in the past fire immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx
	apps, err := e.ledger.Armed()
	if err != nil {
		return fmt.Errorf("load armed applications: %w", err)
	}
	for i := range apps {
		app := apps[i]
		d := time.Duration(0)
		if app.DecideAt != nil {
			d = time.Until(*app.DecideAt)
			if d < 0 {
				d = 0
			}
		}
		outcome := terminalFor(app.Status)
		e.timers.schedule(app.ID, d, func(gen uint64) { e.fireTimer(app.ID, outcome, gen) })
	}
	if len(apps) > 0 {
		log.Printf("engine: resumed %d grace timers", len(apps))
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context) {
	e.timers.stopAll()
}

// Submit turns a form submission into a pending application. Duplicate
// submissions return ledger.ErrDuplicateSubmission and change nothing.
func (e *Engine) Submit(ctx context.Context, app *types.Application) error {
	if err := e.ledger.CreateIfUnseen(app); err != nil {
		return err
	}
	log.Printf("engine: application %d created from submission %s", app.ID, app.SubmissionID)
	e.publish(ctx, "application.created", app.ID, app.Status, app.Applicant)
	e.refresh(app, tally.Counts{})
	return nil
}

// HandleVote records a reviewer's vote, drives whatever transition the new
// tally supports, and returns the tally the decision was based on. A recast
// vote replaces the previous one. Votes against a resolved application are
// still stored for the audit trail but change nothing and return
// ledger.ErrApplicationResolved.
func (e *Engine) HandleVote(ctx context.Context, appID uint64, reviewerID string, choice uint8) (tally.Counts, error) {
	unlock := e.timers.lock(appID)
	defer unlock()

	app, err := e.ledger.Get(appID)
	if err != nil {
		return tally.Counts{}, err
	}

	if err := e.ledger.UpsertVote(appID, reviewerID, choice); err != nil {
		return tally.Counts{}, fmt.Errorf("record vote: %w", err)
	}

	if types.IsTerminal(app.Status) {
		e.timers.release(appID)
		counts, err := e.ledger.Votes(appID)
		if err != nil {
			return tally.Counts{}, fmt.Errorf("read votes: %w", err)
		}
		return counts, ledger.ErrApplicationResolved
	}
	e.publish(ctx, "vote.cast", appID, app.Status, reviewerID)

	return e.evaluate(ctx, app)
}

// evaluate recomputes the tally and moves the application to the state the
// verdict demands. Lost compare-and-sets reload and retry a bounded number
// of times; in practice only another process loses us the race.
func (e *Engine) evaluate(ctx context.Context, app *types.Application) (tally.Counts, error) {
	var counts tally.Counts
	for attempt := 0; attempt < casRetries; attempt++ {
		var err error
		counts, err = e.ledger.Votes(app.ID)
		if err != nil {
			return counts, fmt.Errorf("read votes: %w", err)
		}
		set := e.settings()
		verdict := tally.Evaluate(counts, set.Thresholds)

		var ok bool
		switch {
		case verdict == tally.VerdictAccept && app.Status != types.StatusArmedAccept:
			ok, err = e.arm(ctx, app, types.StatusArmedAccept, counts, set)
		case verdict == tally.VerdictReject && app.Status != types.StatusArmedReject:
			ok, err = e.arm(ctx, app, types.StatusArmedReject, counts, set)
		case verdict == tally.VerdictNone && app.Status != types.StatusPending:
			ok, err = e.disarm(ctx, app, counts)
		default:
			e.refresh(app, counts)
			return counts, nil
		}
		if err != nil {
			return counts, err
		}
		if ok {
			return counts, nil
		}

		app, err = e.ledger.Get(app.ID)
		if err != nil {
			return counts, err
		}
		if types.IsTerminal(app.Status) {
			return counts, ledger.ErrApplicationResolved
		}
	}
	return counts, fmt.Errorf("application %d: transition retries exhausted", app.ID)
}

// arm moves the application into a grace window for the given armed status.
// Re-arming from the opposite window resets the full grace period. With a
// zero grace period the application resolves synchronously instead.
func (e *Engine) arm(ctx context.Context, app *types.Application, next uint8, counts tally.Counts, set Settings) (bool, error) {
	if set.Grace <= 0 {
		return e.resolve(ctx, app, app.Status, terminalFor(next), counts)
	}

	now := time.Now().UTC()
	deadline := now.Add(set.Grace)
	ok, err := e.ledger.CompareAndSetStatus(app.ID, app.Status, next, map[string]interface{}{
		"armed_at":  now,
		"decide_at": deadline,
	})
	if err != nil {
		return false, fmt.Errorf("arm application %d: %w", app.ID, err)
	}
	if !ok {
		return false, nil
	}

	outcome := terminalFor(next)
	e.timers.schedule(app.ID, set.Grace, func(gen uint64) { e.fireTimer(app.ID, outcome, gen) })
	log.Printf("engine: application %d armed %s, decides at %s",
		app.ID, types.StatusName(next), deadline.Format(time.RFC3339))
	e.publish(ctx, "application.armed", app.ID, next, "")

	app.Status = next
	app.ArmedAt = &now
	app.DecideAt = &deadline
	e.refresh(app, counts)
	return true, nil
}

// disarm drops an armed application back to pending after the tally fell
// below threshold (a reviewer recast their vote).
func (e *Engine) disarm(ctx context.Context, app *types.Application, counts tally.Counts) (bool, error) {
	ok, err := e.ledger.CompareAndSetStatus(app.ID, app.Status, types.StatusPending, map[string]interface{}{
		"armed_at":  nil,
		"decide_at": nil,
	})
	if err != nil {
		return false, fmt.Errorf("disarm application %d: %w", app.ID, err)
	}
	if !ok {
		return false, nil
	}

	e.timers.cancel(app.ID)
	log.Printf("engine: application %d disarmed", app.ID)
	e.publish(ctx, "application.disarmed", app.ID, types.StatusPending, "")

	app.Status = types.StatusPending
	app.ArmedAt = nil
	app.DecideAt = nil
	e.refresh(app, counts)
	return true, nil
}

// resolve commits the terminal status, then delivers the outcome outside
// any lock. The compare-and-set guarantees at most one caller wins; losers
// treat it as already handled.
func (e *Engine) resolve(ctx context.Context, app *types.Application, expect, outcome uint8, counts tally.Counts) (bool, error) {
	now := time.Now().UTC()
	ok, err := e.ledger.CompareAndSetStatus(app.ID, expect, outcome, map[string]interface{}{
		"resolved_at": now,
	})
	if err != nil {
		return false, fmt.Errorf("resolve application %d: %w", app.ID, err)
	}
	if !ok {
		return false, nil
	}

	e.timers.cancel(app.ID)
	e.timers.release(app.ID)
	log.Printf("engine: application %d resolved %s", app.ID, types.StatusName(outcome))
	e.publish(ctx, "application.resolved", app.ID, outcome, "")

	app.Status = outcome
	app.ResolvedAt = &now
	e.refresh(app, counts)

	delivered := *app
	go e.deliver(&delivered, outcome)
	return true, nil
}

// fireTimer is the grace deadline callback. It revalidates under the
// application lock: a fire whose generation is no longer the live one sat
// out a disarm or re-arm while waiting for the lock, and must not touch
// the window the newer timer owns. Ledger errors reschedule the fire so an
// armed application never loses its only timer.
func (e *Engine) fireTimer(appID uint64, outcome uint8, gen uint64) {
	unlock := e.timers.lock(appID)
	defer unlock()

	if cur, ok := e.timers.generation(appID); !ok || cur != gen {
		return
	}

	app, err := e.ledger.Get(appID)
	if err != nil {
		log.Printf("engine: timer fire for application %d: %v", appID, err)
		e.timers.schedule(appID, e.retryDelay, func(g uint64) { e.fireTimer(appID, outcome, g) })
		return
	}
	if app.Status != armedFor(outcome) {
		e.timers.forget(appID, gen)
		return
	}

	counts, err := e.ledger.Votes(appID)
	if err != nil {
		log.Printf("engine: timer fire for application %d: %v", appID, err)
		e.timers.schedule(appID, e.retryDelay, func(g uint64) { e.fireTimer(appID, outcome, g) })
		return
	}
	e.timers.forget(appID, gen)
	if _, err := e.resolve(e.ctx, app, app.Status, outcome, counts); err != nil {
		log.Printf("engine: timer fire for application %d: %v", appID, err)
	}
}

// deliver hands the outcome to the actuator. Failures are recorded for the
// admin retry endpoint; the resolution itself stands.
func (e *Engine) deliver(app *types.Application, outcome uint8) {
	if e.actuator == nil {
		return
	}
	if err := e.actuator.Deliver(e.ctx, app, outcome); err != nil {
		log.Printf("engine: outcome delivery for application %d failed: %v", app.ID, err)
		if rerr := e.ledger.RecordOutcomeFailure(app.ID, outcome, err); rerr != nil {
			log.Printf("engine: record outcome failure for application %d: %v", app.ID, rerr)
		}
		e.publish(e.ctx, "outcome.failed", app.ID, outcome, "")
	}
}

// RetryOutcome re-runs a failed outcome delivery. The application stays
// terminal either way; success marks the failure row retried.
func (e *Engine) RetryOutcome(ctx context.Context, failureID uint64) error {
	f, err := e.ledger.Failure(failureID)
	if err != nil {
		return err
	}
	if f.Retried {
		return nil
	}
	app, err := e.ledger.Get(f.ApplicationID)
	if err != nil {
		return err
	}
	if err := e.actuator.Deliver(ctx, app, f.Outcome); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrActionFailed, err)
	}
	return e.ledger.MarkRetried(f.ID)
}

func (e *Engine) refresh(app *types.Application, counts tally.Counts) {
	if e.OnChange != nil {
		e.OnChange(app, counts)
	}
}

func (e *Engine) publish(ctx context.Context, event string, appID uint64, status uint8, actor string) {
	if e.rdb == nil {
		return
	}
	payload := map[string]interface{}{
		"id":     uuid.NewString(),
		"event":  event,
		"app_id": appID,
		"status": types.StatusName(status),
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if actor != "" {
		payload["actor"] = actor
	}
	if err := data.PublishEvent(ctx, e.rdb, payload); err != nil {
		log.Printf("engine: publish %s: %v", event, err)
	}
}

func terminalFor(armed uint8) uint8 {
	if armed == types.StatusArmedAccept {
		return types.StatusAccepted
	}
	return types.StatusRejected
}

func armedFor(outcome uint8) uint8 {
	if outcome == types.StatusAccepted {
		return types.StatusArmedAccept
	}
	return types.StatusArmedReject
}
