package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stake-plus/gatekeeper/src/GKApi/types"
	"github.com/stake-plus/gatekeeper/src/ledger"
	"github.com/stake-plus/gatekeeper/src/tally"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&types.Application{}, &types.Vote{},
		&types.ProcessedSubmission{}, &types.OutcomeFailure{},
	))
	return db
}

type fakeActuator struct {
	mu    sync.Mutex
	fail  bool
	calls []uint8
}

func (f *fakeActuator) Deliver(ctx context.Context, app *types.Application, outcome uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("discord unavailable")
	}
	f.calls = append(f.calls, outcome)
	return nil
}

func (f *fakeActuator) delivered() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint8, len(f.calls))
	copy(out, f.calls)
	return out
}

func newEngine(t *testing.T, act *fakeActuator, th tally.Thresholds, grace time.Duration) (*Engine, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(newTestDB(t))
	e := New(l, nil, act, func() Settings {
		return Settings{Thresholds: th, Grace: grace}
	})
	return e, l
}

func submit(t *testing.T, e *Engine, submissionID string) uint64 {
	t.Helper()
	app := &types.Application{SubmissionID: submissionID, Applicant: "tester"}
	require.NoError(t, e.Submit(context.Background(), app))
	return app.ID
}

func status(t *testing.T, l *ledger.Ledger, appID uint64) uint8 {
	t.Helper()
	app, err := l.Get(appID)
	require.NoError(t, err)
	return app.Status
}

func vote(t *testing.T, e *Engine, appID uint64, reviewer string, choice uint8) tally.Counts {
	t.Helper()
	counts, err := e.HandleVote(context.Background(), appID, reviewer, choice)
	require.NoError(t, err)
	return counts
}

func timerGen(t *testing.T, e *Engine, appID uint64) uint64 {
	t.Helper()
	gen, ok := e.timers.generation(appID)
	require.True(t, ok)
	return gen
}

func lockTracked(e *Engine, appID uint64) bool {
	e.timers.mu.Lock()
	defer e.timers.mu.Unlock()
	_, ok := e.timers.locks[appID]
	return ok
}

// flakyStore delegates to the real ledger but fails reads on demand.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failGets int
}

func (f *flakyStore) failNextGet() {
	f.mu.Lock()
	f.failGets++
	f.mu.Unlock()
}

func (f *flakyStore) Get(appID uint64) (*types.Application, error) {
	f.mu.Lock()
	fail := f.failGets > 0
	if fail {
		f.failGets--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("ledger offline")
	}
	return f.Store.Get(appID)
}

func TestVoteArmsAtThreshold(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 3, Reject: 3}, time.Hour)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	counts := vote(t, e, id, "bob", types.VoteApprove)
	assert.Equal(t, tally.Counts{Approve: 2}, counts)
	assert.Equal(t, types.StatusPending, status(t, l, id))

	counts = vote(t, e, id, "carol", types.VoteApprove)
	assert.Equal(t, tally.Counts{Approve: 3}, counts)

	app, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArmedAccept, app.Status)
	require.NotNil(t, app.DecideAt)
	assert.True(t, app.DecideAt.After(time.Now().UTC()))
	assert.Empty(t, act.delivered())
}

func TestZeroGraceResolvesImmediately(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 2}, 0)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	vote(t, e, id, "bob", types.VoteApprove)

	app, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, app.Status)
	assert.Nil(t, app.ArmedAt)
	require.NotNil(t, app.ResolvedAt)

	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint8{types.StatusAccepted}, act.delivered())
}

func TestGraceExpiryResolves(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, 50*time.Millisecond)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteReject)
	assert.Equal(t, types.StatusArmedReject, status(t, l, id))

	require.Eventually(t, func() bool { return status(t, l, id) == types.StatusRejected },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint8{types.StatusRejected}, act.delivered())
}

func TestFlipResetsGraceWindow(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 2}, time.Hour)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	vote(t, e, id, "bob", types.VoteApprove)
	first, err := l.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusArmedAccept, first.Status)
	require.NotNil(t, first.DecideAt)

	time.Sleep(20 * time.Millisecond)

	// Both reviewers change their minds; the window restarts from scratch.
	vote(t, e, id, "alice", types.VoteReject)
	counts := vote(t, e, id, "bob", types.VoteReject)
	assert.Equal(t, tally.Counts{Reject: 2}, counts)
	second, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArmedReject, second.Status)
	require.NotNil(t, second.DecideAt)
	assert.True(t, second.DecideAt.After(*first.DecideAt))
	assert.Empty(t, act.delivered())
}

func TestDisarmOnRecast(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 2}, 200*time.Millisecond)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	vote(t, e, id, "bob", types.VoteApprove)
	require.Equal(t, types.StatusArmedAccept, status(t, l, id))

	counts := vote(t, e, id, "bob", types.VoteReject)
	assert.Equal(t, tally.Counts{Approve: 1, Reject: 1}, counts)
	app, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, app.Status)
	assert.Nil(t, app.ArmedAt)
	assert.Nil(t, app.DecideAt)

	// Well past the original deadline: the cancelled timer must not fire.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, types.StatusPending, status(t, l, id))
	assert.Empty(t, act.delivered())
}

func TestBelowThresholdOppositionKeepsArmed(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 3, Reject: 3}, 500*time.Millisecond)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	vote(t, e, id, "bob", types.VoteApprove)
	vote(t, e, id, "carol", types.VoteApprove)
	armed, err := l.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusArmedAccept, armed.Status)
	require.NotNil(t, armed.DecideAt)

	// A lone rejection below its threshold changes nothing: still armed for
	// acceptance, same deadline.
	counts := vote(t, e, id, "dave", types.VoteReject)
	assert.Equal(t, tally.Counts{Approve: 3, Reject: 1}, counts)
	after, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArmedAccept, after.Status)
	require.NotNil(t, after.DecideAt)
	assert.True(t, after.DecideAt.Equal(*armed.DecideAt))

	require.Eventually(t, func() bool { return status(t, l, id) == types.StatusAccepted },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint8{types.StatusAccepted}, act.delivered())
}

func TestRepeatVoteIsIdempotent(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 2}, time.Hour)
	id := submit(t, e, "resp-1")

	first := vote(t, e, id, "alice", types.VoteApprove)
	second := vote(t, e, id, "alice", types.VoteApprove)
	assert.Equal(t, first, second)
	assert.Equal(t, tally.Counts{Approve: 1}, second)
	assert.Equal(t, types.StatusPending, status(t, l, id))
}

func TestAcceptPrecedence(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 1}, time.Hour)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteReject)
	require.Equal(t, types.StatusArmedReject, status(t, l, id))

	// Approvals reach their threshold while the rejection still holds;
	// acceptance wins the conflict.
	vote(t, e, id, "bob", types.VoteApprove)
	vote(t, e, id, "carol", types.VoteApprove)
	assert.Equal(t, types.StatusArmedAccept, status(t, l, id))
}

func TestLateVoteKeptForAuditOnly(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, 0)

	var renders int32
	e.OnChange = func(app *types.Application, counts tally.Counts) {
		atomic.AddInt32(&renders, 1)
	}

	id := submit(t, e, "resp-1")
	ctx := context.Background()

	vote(t, e, id, "alice", types.VoteApprove)
	require.Equal(t, types.StatusAccepted, status(t, l, id))
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	before := atomic.LoadInt32(&renders)

	// The late vote lands in the history but moves nothing: status stays
	// terminal, no re-render, no second delivery.
	counts, err := e.HandleVote(ctx, id, "bob", types.VoteReject)
	assert.ErrorIs(t, err, ledger.ErrApplicationResolved)
	assert.Equal(t, tally.Counts{Approve: 1, Reject: 1}, counts)

	stored, err := l.Votes(id)
	require.NoError(t, err)
	assert.Equal(t, tally.Counts{Approve: 1, Reject: 1}, stored)

	assert.Equal(t, types.StatusAccepted, status(t, l, id))
	assert.Equal(t, before, atomic.LoadInt32(&renders))
	assert.Equal(t, []uint8{types.StatusAccepted}, act.delivered())
}

func TestActuatorFailureKeepsResolution(t *testing.T) {
	act := &fakeActuator{fail: true}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, 0)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	assert.Equal(t, types.StatusAccepted, status(t, l, id))

	require.Eventually(t, func() bool {
		fs, err := l.PendingFailures()
		return err == nil && len(fs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fs, err := l.PendingFailures()
	require.NoError(t, err)
	assert.EqualValues(t, id, fs[0].ApplicationID)
	assert.Equal(t, types.StatusAccepted, fs[0].Outcome)
	assert.Equal(t, types.StatusAccepted, status(t, l, id))
}

func TestRetryOutcome(t *testing.T) {
	act := &fakeActuator{fail: true}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, 0)
	id := submit(t, e, "resp-1")
	ctx := context.Background()

	vote(t, e, id, "alice", types.VoteApprove)
	require.Eventually(t, func() bool {
		fs, err := l.PendingFailures()
		return err == nil && len(fs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Still failing: the failure row stays pending.
	fs, _ := l.PendingFailures()
	err := e.RetryOutcome(ctx, fs[0].ID)
	assert.ErrorIs(t, err, ledger.ErrActionFailed)

	act.mu.Lock()
	act.fail = false
	act.mu.Unlock()

	require.NoError(t, e.RetryOutcome(ctx, fs[0].ID))
	assert.Equal(t, []uint8{types.StatusAccepted}, act.delivered())

	remaining, err := l.PendingFailures()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestStaleTimerFireIsNoop(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, time.Hour)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	require.Equal(t, types.StatusArmedAccept, status(t, l, id))
	gen := timerGen(t, e, id)

	// A handle from a window that was since replaced carries an older
	// generation; it gives up without touching the live timer.
	e.fireTimer(id, types.StatusRejected, gen-1)
	assert.Equal(t, types.StatusArmedAccept, status(t, l, id))
	assert.Empty(t, act.delivered())

	e.fireTimer(id, types.StatusAccepted, gen)
	assert.Equal(t, types.StatusAccepted, status(t, l, id))
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestStaleFireAfterRearmHonorsFreshWindow(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 2}, time.Hour)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteReject)
	vote(t, e, id, "bob", types.VoteReject)
	require.Equal(t, types.StatusArmedReject, status(t, l, id))
	staleGen := timerGen(t, e, id)

	// bob recasts to approve, disarming; carol re-arms the same direction
	// with a fresh deadline. A fire from the first window can still be
	// waiting on the application lock at this point.
	vote(t, e, id, "bob", types.VoteApprove)
	require.Equal(t, types.StatusPending, status(t, l, id))
	vote(t, e, id, "carol", types.VoteReject)
	rearmed, err := l.Get(id)
	require.NoError(t, err)
	require.Equal(t, types.StatusArmedReject, rearmed.Status)
	require.NotNil(t, rearmed.DecideAt)

	// The leftover fire sees the same armed status but an older
	// generation: it must not cut the fresh window short.
	e.fireTimer(id, types.StatusRejected, staleGen)
	after, err := l.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArmedReject, after.Status)
	require.NotNil(t, after.DecideAt)
	assert.True(t, after.DecideAt.Equal(*rearmed.DecideAt))
	assert.Empty(t, act.delivered())

	// The re-arm's own timer still owns the deadline and resolves normally.
	liveGen := timerGen(t, e, id)
	require.NotEqual(t, staleGen, liveGen)
	e.fireTimer(id, types.StatusRejected, liveGen)
	assert.Equal(t, types.StatusRejected, status(t, l, id))
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint8{types.StatusRejected}, act.delivered())
}

func TestTimerFireRevalidatesStatus(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, time.Hour)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	gen := timerGen(t, e, id)

	// Another process disarmed the application behind our back; the fire
	// sees the changed status and drops its timer.
	ok, err := l.CompareAndSetStatus(id, types.StatusArmedAccept, types.StatusPending,
		map[string]interface{}{"armed_at": nil, "decide_at": nil})
	require.NoError(t, err)
	require.True(t, ok)

	e.fireTimer(id, types.StatusAccepted, gen)
	assert.Equal(t, types.StatusPending, status(t, l, id))
	assert.Empty(t, act.delivered())
	_, live := e.timers.generation(id)
	assert.False(t, live)
}

func TestTimerFireRetriesAfterLedgerError(t *testing.T) {
	act := &fakeActuator{}
	l := ledger.New(newTestDB(t))
	flaky := &flakyStore{Store: l}
	e := New(flaky, nil, act, func() Settings {
		return Settings{Thresholds: tally.Thresholds{Accept: 1, Reject: 1}, Grace: time.Hour}
	})
	e.retryDelay = 20 * time.Millisecond

	id := submit(t, e, "resp-1")
	vote(t, e, id, "alice", types.VoteApprove)
	require.Equal(t, types.StatusArmedAccept, status(t, l, id))
	gen := timerGen(t, e, id)

	// The deadline fire hits a ledger hiccup. The application must keep a
	// live timer instead of staying armed with nothing left to fire.
	flaky.failNextGet()
	e.fireTimer(id, types.StatusAccepted, gen)
	assert.Equal(t, types.StatusArmedAccept, status(t, l, id))
	retryGen := timerGen(t, e, id)
	assert.NotEqual(t, gen, retryGen)

	require.Eventually(t, func() bool { return status(t, l, id) == types.StatusAccepted },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint8{types.StatusAccepted}, act.delivered())
}

func TestResolutionReleasesLock(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, 0)
	id := submit(t, e, "resp-1")

	vote(t, e, id, "alice", types.VoteApprove)
	require.Equal(t, types.StatusAccepted, status(t, l, id))
	assert.False(t, lockTracked(e, id))

	// A late vote allocates the mutex again and lets it go on the way out.
	_, err := e.HandleVote(context.Background(), id, "bob", types.VoteReject)
	assert.ErrorIs(t, err, ledger.ErrApplicationResolved)
	assert.False(t, lockTracked(e, id))
}

func TestStartResumesExpiredDeadline(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, time.Hour)
	id := submit(t, e, "resp-1")

	// Simulate an armed application whose deadline passed while the
	// process was down.
	past := time.Now().UTC().Add(-time.Minute)
	ok, err := l.CompareAndSetStatus(id, types.StatusPending, types.StatusArmedAccept,
		map[string]interface{}{"armed_at": past.Add(-time.Minute), "decide_at": past})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.Start(context.Background()))

	require.Eventually(t, func() bool { return status(t, l, id) == types.StatusAccepted },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	e.Stop(context.Background())
}

func TestStartResumesFutureDeadline(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 1, Reject: 1}, time.Hour)
	id := submit(t, e, "resp-1")

	soon := time.Now().UTC().Add(80 * time.Millisecond)
	ok, err := l.CompareAndSetStatus(id, types.StatusPending, types.StatusArmedReject,
		map[string]interface{}{"armed_at": time.Now().UTC(), "decide_at": soon})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, types.StatusArmedReject, status(t, l, id))

	require.Eventually(t, func() bool { return status(t, l, id) == types.StatusRejected },
		2*time.Second, 10*time.Millisecond)
	e.Stop(context.Background())
}

func TestSubmitDuplicate(t *testing.T) {
	act := &fakeActuator{}
	e, _ := newEngine(t, act, tally.Thresholds{Accept: 3, Reject: 3}, time.Hour)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, &types.Application{SubmissionID: "resp-1", Applicant: "a"}))
	err := e.Submit(ctx, &types.Application{SubmissionID: "resp-1", Applicant: "a"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateSubmission)
}

func TestConcurrentVotesResolveOnce(t *testing.T) {
	act := &fakeActuator{}
	e, l := newEngine(t, act, tally.Thresholds{Accept: 3, Reject: 3}, 0)
	id := submit(t, e, "resp-1")

	reviewers := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, r := range reviewers {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			_, err := e.HandleVote(context.Background(), id, r, types.VoteApprove)
			if err != nil && !errors.Is(err, ledger.ErrApplicationResolved) {
				t.Errorf("vote %s: %v", r, err)
			}
		}(r)
	}
	wg.Wait()

	assert.Equal(t, types.StatusAccepted, status(t, l, id))
	require.Eventually(t, func() bool { return len(act.delivered()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint8{types.StatusAccepted}, act.delivered())
}

func TestChangeCallbackFires(t *testing.T) {
	act := &fakeActuator{}
	e, _ := newEngine(t, act, tally.Thresholds{Accept: 2, Reject: 2}, time.Hour)

	var mu sync.Mutex
	var seen []uint8
	e.OnChange = func(app *types.Application, counts tally.Counts) {
		mu.Lock()
		seen = append(seen, app.Status)
		mu.Unlock()
	}

	id := submit(t, e, "resp-1")
	vote(t, e, id, "alice", types.VoteApprove)
	vote(t, e, id, "bob", types.VoteApprove)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, types.StatusPending, seen[0])
	assert.Equal(t, types.StatusPending, seen[1])
	assert.Equal(t, types.StatusArmedAccept, seen[2])
}
