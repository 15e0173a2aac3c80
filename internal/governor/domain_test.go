package governor

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

type fakeActuator struct {
	mu      sync.Mutex
	applied []Frequency
	table   []Frequency
	fast    bool
	err     error
}

func (a *fakeActuator) Apply(freq Frequency) (Frequency, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.err != nil {
		return 0, a.err
	}
	a.applied = append(a.applied, freq)

	return freq, nil
}

func (a *fakeActuator) AvailableFrequencies() []Frequency {
	return a.table
}

func (a *fakeActuator) FastSwitch() bool {
	return a.fast
}

func (a *fakeActuator) history() []Frequency {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]Frequency(nil), a.applied...)
}

// blockingActuator parks inside Apply until released, so tests can observe
// the deferred path mid-flight.
type blockingActuator struct {
	fakeActuator
	entered chan struct{}
	release chan struct{}
}

func (a *blockingActuator) Apply(freq Frequency) (Frequency, error) {
	a.entered <- struct{}{}
	<-a.release

	return a.fakeActuator.Apply(freq)
}

type fakeIdle struct {
	entries map[int]uint64
}

func (f *fakeIdle) IdleEntries(cpu int) uint64 {
	return f.entries[cpu]
}

func testPolicy(cpus ...int) Policy {
	return Policy{
		ID:            "policy0",
		CPUs:          cpus,
		MinFreq:       400000,
		MaxFreq:       1600000,
		FreqInvariant: true,
		Scope:         "test",
	}
}

func newTestDomain(t *testing.T, policy Policy, act Actuator, idle IdleStats, values TunableValues) *Domain {
	t.Helper()

	reg := NewTunableRegistry(values, false)
	d, err := New(policy, act, idle, reg)
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Close)

	return d
}

func immediateTunables() TunableValues {
	return TunableValues{UpRateLimit: 0, DownRateLimit: 0, IOWaitBoost: false}
}

func TestNewValidation(t *testing.T) {
	reg := NewTunableRegistry(DefaultTunables(), false)
	act := &fakeActuator{fast: true}

	_, err := New(testPolicy(0), nil, nil, reg)
	assert.Equal(t, ErrMissingActuator, errors.CodeOf(err))

	_, err = New(testPolicy(), act, nil, reg)
	assert.Equal(t, ErrEmptyDomain, errors.CodeOf(err))

	bad := testPolicy(0)
	bad.MinFreq = 0
	_, err = New(bad, act, nil, reg)
	assert.Equal(t, ErrInvalidPolicy, errors.CodeOf(err))

	bad = testPolicy(0)
	bad.MaxFreq = bad.MinFreq - 1
	_, err = New(bad, act, nil, reg)
	assert.Equal(t, ErrInvalidPolicy, errors.CodeOf(err))

	_, err = New(testPolicy(0), act, nil, nil)
	assert.Equal(t, ErrUnknownScope, errors.CodeOf(err))
}

func TestSingleCPURateLimiting(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0), act, nil, TunableValues{
		UpRateLimit:   500 * time.Microsecond,
		DownRateLimit: 20 * time.Millisecond,
	})

	t0 := time.Now()

	// First sample always commits
	d.Update(0, t0, 100, 1024, FlagNone)
	require.Equal(t, []Frequency{400000}, act.history())

	// A burst inside the evaluation gate is ignored entirely
	d.Update(0, t0.Add(200*time.Microsecond), 800, 1024, FlagNone)
	assert.Equal(t, []Frequency{400000}, act.history())

	// Past the gate, an unchanged raw frequency short-circuits
	d.Update(0, t0.Add(600*time.Microsecond), 100, 1024, FlagNone)
	assert.Equal(t, []Frequency{400000}, act.history())

	// An accepted increase is dampened halfway toward the new target
	d.Update(0, t0.Add(10*time.Millisecond), 1024, 1024, FlagNone)
	assert.Equal(t, []Frequency{400000, 1000000}, act.history())

	// Decreases inside the downward dwell window are rejected
	d.Update(0, t0.Add(15*time.Millisecond), 102, 1024, FlagNone)
	assert.Equal(t, []Frequency{400000, 1000000}, act.history())

	// Past the window the decrease applies without dampening
	d.Update(0, t0.Add(35*time.Millisecond), 102, 1024, FlagNone)
	assert.Equal(t, []Frequency{400000, 1000000, 400000}, act.history())
}

func TestDeadlineBypassesRateLimiter(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0), act, nil, TunableValues{
		UpRateLimit:   500 * time.Microsecond,
		DownRateLimit: 20 * time.Millisecond,
	})

	t0 := time.Now()
	d.Update(0, t0, 100, 1024, FlagNone)
	require.Equal(t, []Frequency{400000}, act.history())

	// Deadline work goes straight to the maximum, dwell windows ignored
	d.Update(0, t0.Add(time.Microsecond), 0, 1024, FlagDeadline)
	assert.Equal(t, []Frequency{400000, 1600000}, act.history())

	status := d.Status()
	assert.True(t, status.Deadline)
	assert.Equal(t, Frequency(1600000), status.TargetFreq)

	// Already at the maximum: no duplicate actuation
	d.Update(0, t0.Add(2*time.Microsecond), 0, 1024, FlagDeadline)
	assert.Equal(t, []Frequency{400000, 1600000}, act.history())
}

func TestSharedDomainAggregation(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0, 1), act, nil, immediateTunables())

	t0 := time.Now()

	// Only one member has reported; the other is excluded as stale
	d.Update(0, t0, 200, 1024, FlagNone)
	require.Equal(t, []Frequency{400000}, act.history())

	// The busier member dominates the aggregate
	d.Update(1, t0.Add(100*time.Microsecond), 800, 1024, FlagNone)
	history := act.history()
	require.Len(t, history, 2)
	assert.Equal(t, Frequency(962939), history[1])

	status := d.Status()
	assert.Equal(t, uint64(800), status.Utilization)

	// Once the busy member goes quiet past the staleness window, the
	// remaining member's utilization takes over
	d.Update(0, t0.Add(10*time.Millisecond), 200, 1024, FlagNone)
	history = act.history()
	require.Len(t, history, 3)
	assert.Equal(t, Frequency(400000), history[2])
}

func TestSharedAggregationTieFavorsFirstMember(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0, 1), act, nil, immediateTunables())

	t0 := time.Now()
	d.Update(0, t0, 400, 1024, FlagNone)

	// The second member reports the exact same utilization ratio at half
	// the capacity. Members are scanned in CPU order and only a strictly
	// greater ratio displaces the running maximum, so the earlier member's
	// pair is the one aggregated.
	d.Update(1, t0.Add(100*time.Microsecond), 200, 512, FlagNone)

	status := d.Status()
	assert.Equal(t, uint64(400), status.Utilization)
	assert.Equal(t, uint64(1024), status.Capacity)
}

func TestSharedDomainMemberDeadline(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0, 1), act, nil, immediateTunables())

	t0 := time.Now()
	d.Update(0, t0, 100, 1024, FlagDeadline)
	require.Equal(t, []Frequency{1600000}, act.history())

	// A sibling update still sees the deadline member and stays at max
	d.Update(1, t0.Add(100*time.Microsecond), 100, 1024, FlagNone)
	assert.Equal(t, []Frequency{1600000}, act.history())
}

func TestBusyHoldsFrequency(t *testing.T) {
	idle := &fakeIdle{entries: map[int]uint64{0: 10}}
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0), act, idle, immediateTunables())

	t0 := time.Now()
	d.Update(0, t0, 500, 1024, FlagNone)
	history := act.history()
	require.Len(t, history, 1)
	high := history[0]

	// No idle entries since the last observation: the drop in utilization
	// is not trusted and the frequency holds
	d.Update(0, t0.Add(time.Millisecond), 100, 1024, FlagNone)
	assert.Equal(t, []Frequency{high}, act.history())
	assert.True(t, d.Status().Busy)

	// The classifier backed off after the non-increasing sample, so the
	// next evaluation lets the frequency fall
	d.Update(0, t0.Add(2*time.Millisecond), 100, 1024, FlagNone)
	history = act.history()
	require.Len(t, history, 2)
	assert.Less(t, uint64(history[1]), uint64(high))
	assert.False(t, d.Status().Busy)
}

func TestIOWaitBoostRaisesTarget(t *testing.T) {
	act := &fakeActuator{fast: true}
	values := immediateTunables()
	values.IOWaitBoost = true
	d := newTestDomain(t, testPolicy(0), act, nil, values)

	t0 := time.Now()
	d.Update(0, t0, 100, 1024, FlagIOWait)
	require.Equal(t, []Frequency{400000}, act.history())

	// The second wakeup doubles the boost, lifting the target above what
	// the raw utilization justifies
	d.Update(0, t0.Add(DefaultTickPeriod), 100, 1024, FlagIOWait)
	history := act.history()
	require.Len(t, history, 2)
	assert.Equal(t, Frequency(512500), history[1])
	assert.Equal(t, uint64(800000), d.Status().IOWaitBoost)
}

func TestLimitsChangedForcesEvaluation(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0), act, nil, TunableValues{
		UpRateLimit:   500 * time.Microsecond,
		DownRateLimit: 20 * time.Millisecond,
	})

	t0 := time.Now()
	d.Update(0, t0, 100, 1024, FlagNone)
	require.Equal(t, uint64(100), d.Status().Utilization)

	// Inside the gate nothing is even evaluated
	d.Update(0, t0.Add(100*time.Microsecond), 800, 1024, FlagNone)
	assert.Equal(t, uint64(100), d.Status().Utilization)

	// After LimitsChanged the gate is bypassed and the sample evaluated,
	// even though the dwell window still rejects the resulting increase
	d.LimitsChanged()
	d.Update(0, t0.Add(200*time.Microsecond), 800, 1024, FlagNone)
	assert.Equal(t, uint64(800), d.Status().Utilization)
	assert.Equal(t, []Frequency{400000}, act.history())
}

func TestDeferredApplyLatestWins(t *testing.T) {
	act := &blockingActuator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := newTestDomain(t, testPolicy(0), act, nil, immediateTunables())

	t0 := time.Now()
	d.Update(0, t0, 1024, 1024, FlagNone)
	<-act.entered

	// Committed while the worker is busy; picked up on the next pass
	d.Update(0, t0.Add(time.Millisecond), 102, 1024, FlagNone)
	act.release <- struct{}{}

	<-act.entered
	act.release <- struct{}{}

	d.Stop()

	assert.Equal(t, []Frequency{1600000, 400000}, act.history())
	status := d.Status()
	assert.Equal(t, Frequency(400000), status.CurrentFreq)
	assert.False(t, status.WorkInProgress)
}

func TestDeferredApplySingleTarget(t *testing.T) {
	act := &fakeActuator{}
	d := newTestDomain(t, testPolicy(0), act, nil, immediateTunables())

	d.Update(0, time.Now(), 1024, 1024, FlagNone)
	d.Stop()

	assert.Equal(t, []Frequency{1600000}, act.history())
	assert.Equal(t, Frequency(1600000), d.Status().CurrentFreq)
}

func TestUpdateIgnoresUnknownCPU(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0), act, nil, immediateTunables())

	d.Update(7, time.Now(), 1024, 1024, FlagNone)
	assert.Empty(t, act.history())
}

func TestZeroCapacityExcluded(t *testing.T) {
	act := &fakeActuator{fast: true}
	d := newTestDomain(t, testPolicy(0), act, nil, immediateTunables())

	d.Update(0, time.Now(), 100, 0, FlagNone)
	assert.Empty(t, act.history())
}

func TestStartAfterCloseRejected(t *testing.T) {
	reg := NewTunableRegistry(DefaultTunables(), false)
	d, err := New(testPolicy(0), &fakeActuator{fast: true}, nil, reg)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	// Close releases the tunables; the domain cannot come back
	d.Close()
	assert.Equal(t, ErrDomainClosed, errors.CodeOf(d.Start()))
}

func TestApplyRejectionLeavesStateUnchanged(t *testing.T) {
	act := &fakeActuator{fast: true, err: fmt.Errorf("setspeed rejected")}
	d := newTestDomain(t, testPolicy(0), act, nil, immediateTunables())

	d.Update(0, time.Now(), 1024, 1024, FlagNone)

	// A rejected actuation keeps the previous frequency in place; the
	// committed target stays pending for the next evaluation
	assert.Empty(t, act.history())
	status := d.Status()
	assert.Equal(t, Frequency(400000), status.CurrentFreq)
	assert.Equal(t, Frequency(1600000), status.TargetFreq)
}
