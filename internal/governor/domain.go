package governor

import (
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/logger"
)

// Domain drives one frequency domain: it aggregates member utilization,
// selects a target frequency, rate-limits changes and hands accepted targets
// to the actuator, inline or through the deferred worker.
//
// Update calls for the same processor must be serialized by the caller;
// calls for different processors may run concurrently. The domain lock
// covers the shared aggregation, rate-limit and commit path.
type Domain struct {
	policy   Policy
	actuator Actuator
	idle     IdleStats
	registry *TunableRegistry
	tunables *Tunables

	fastSwitch  bool
	shared      bool
	freqTable   []Frequency
	tickPeriod  time.Duration
	staleWindow time.Duration

	mu             sync.Mutex
	samples        map[int]*processorSample
	upRateDelay    time.Duration
	downRateDelay  time.Duration
	minRateLimit   time.Duration
	lastFreqUpdate time.Time
	next           Frequency
	cachedRawFreq  Frequency
	currentFreq    Frequency
	needFreqUpdate bool
	workInProgress bool
	started        bool
	closed         bool
	worker         *applyWorker

	lastUtil     uint64
	lastCapacity uint64
	lastBusy     bool
	lastDeadline bool
}

// New validates the policy and builds a stopped domain attached to the
// tunable set of its scope. Any failure leaves nothing registered.
func New(policy Policy, actuator Actuator, idle IdleStats, registry *TunableRegistry) (*Domain, error) {
	errFactory := errors.New()

	if actuator == nil {
		return nil, errFactory.New(ErrMissingActuator)
	}
	if len(policy.CPUs) == 0 {
		return nil, errFactory.WithData(ErrEmptyDomain, policy.ID)
	}
	if policy.MinFreq == 0 || policy.MaxFreq < policy.MinFreq {
		return nil, errFactory.WithData(ErrInvalidPolicy, struct {
			ID       string
			Min, Max Frequency
		}{policy.ID, policy.MinFreq, policy.MaxFreq})
	}
	if registry == nil {
		return nil, errFactory.New(ErrUnknownScope)
	}

	if policy.TickPeriod == 0 {
		policy.TickPeriod = DefaultTickPeriod
	}
	if policy.StaleWindow == 0 {
		policy.StaleWindow = policy.TickPeriod + policy.TickPeriod/8
	}

	table := append([]Frequency(nil), actuator.AvailableFrequencies()...)
	sort.Slice(table, func(i, j int) bool { return table[i] < table[j] })

	d := &Domain{
		policy:      policy,
		actuator:    actuator,
		idle:        idle,
		registry:    registry,
		fastSwitch:  actuator.FastSwitch(),
		shared:      len(policy.CPUs) > 1,
		freqTable:   table,
		tickPeriod:  policy.TickPeriod,
		staleWindow: policy.StaleWindow,
		currentFreq: policy.CurrentFreq,
		samples:     make(map[int]*processorSample),
	}
	if d.currentFreq == 0 {
		d.currentFreq = policy.MinFreq
	}

	d.tunables = registry.Acquire(policy.Scope, d)

	return d, nil
}

// Tunables returns the shared tunable set this domain is attached to.
func (d *Domain) Tunables() *Tunables {
	return d.tunables
}

// Start resets all transient state, registers the member processors and, for
// deferred actuators, launches the apply worker. A closed domain has released
// its tunables and cannot be restarted.
func (d *Domain) Start() error {
	up := d.tunables.UpRateLimit()
	down := d.tunables.DownRateLimit()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New().WithData(ErrDomainClosed, d.policy.ID)
	}
	d.upRateDelay = up
	d.downRateDelay = down
	d.minRateLimit = minDuration(up, down)
	d.lastFreqUpdate = time.Time{}
	d.next = 0
	d.cachedRawFreq = 0
	d.needFreqUpdate = false
	d.workInProgress = false
	d.lastUtil, d.lastCapacity, d.lastBusy, d.lastDeadline = 0, 0, false, false

	d.samples = make(map[int]*processorSample, len(d.policy.CPUs))
	for _, cpu := range d.policy.CPUs {
		d.samples[cpu] = &processorSample{
			cpu:       cpu,
			flags:     FlagDeadline,
			boostSeed: uint64(d.policy.MinFreq),
			boostMax:  uint64(d.policy.MaxFreq),
		}
	}

	if !d.fastSwitch {
		d.worker = newApplyWorker(d)
		d.worker.start()
	}

	d.started = true
	d.mu.Unlock()

	logger.Debug().
		Str("domain", d.policy.ID).
		Int("cpus", len(d.policy.CPUs)).
		Bool("fast_switch", d.fastSwitch).
		Msg("Domain started")

	return nil
}

// Stop deregisters the members and drains any in-flight deferred work.
func (d *Domain) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	w := d.worker
	d.worker = nil
	d.mu.Unlock()

	if w != nil {
		w.stop()
	}

	logger.Debug().Str("domain", d.policy.ID).Msg("Domain stopped")
}

// Close stops the domain and releases its tunables back to the registry,
// caching the values for a future domain of the same scope.
func (d *Domain) Close() {
	d.Stop()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.registry.Release(d.policy.Scope, d)
}

// LimitsChanged forces the next evaluation to bypass the raw-frequency
// short-circuit and the dwell gate, so new policy limits take effect
// immediately.
func (d *Domain) LimitsChanged() {
	d.mu.Lock()
	d.needFreqUpdate = true
	d.mu.Unlock()
}

// setRateLimits is invoked by the tunable store when a window changes.
func (d *Domain) setRateLimits(up, down time.Duration) {
	d.mu.Lock()
	d.upRateDelay = up
	d.downRateDelay = down
	d.minRateLimit = minDuration(up, down)
	d.mu.Unlock()
}

// Status returns a copy of the externally observable state.
func (d *Domain) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	var boost uint64
	for _, s := range d.samples {
		if s.iowaitBoost > boost {
			boost = s.iowaitBoost
		}
	}

	return Status{
		ID:             d.policy.ID,
		CurrentFreq:    d.currentFreq,
		TargetFreq:     d.next,
		Utilization:    d.lastUtil,
		Capacity:       d.lastCapacity,
		Busy:           d.lastBusy,
		Deadline:       d.lastDeadline,
		IOWaitBoost:    boost,
		WorkInProgress: d.workInProgress,
	}
}

// Update feeds one processor's utilization sample into the governor. It
// never returns an error: malformed members are excluded and the domain
// always keeps some valid frequency.
func (d *Domain) Update(cpu int, at time.Time, util, capacity uint64, flags Flags) {
	// Copy the boost flag out before taking the domain lock; tunable
	// writes take their own lock first and then the domain lock.
	boostEnabled := d.tunables.IOWaitBoostEnabled()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return
	}
	s, ok := d.samples[cpu]
	if !ok {
		return
	}

	if d.shared {
		d.updateShared(s, at, util, capacity, flags, boostEnabled)
	} else {
		d.updateSingle(s, at, util, capacity, flags, boostEnabled)
	}
}

// updateSingle is the single-processor evaluation path.
func (d *Domain) updateSingle(s *processorSample, at time.Time, util, capacity uint64, flags Flags, boostEnabled bool) {
	s.setIOWaitBoost(at, flags, boostEnabled, d.tickPeriod)
	s.util, s.capacity, s.flags = util, capacity, flags
	s.lastUpdate = at

	if flags&FlagDeadline != 0 {
		d.commitMax(at)
		return
	}

	// A deferred actuation is still pending; the worker will pick up the
	// latest committed value.
	if d.workInProgress {
		return
	}

	if !d.shouldUpdateFreq(at) {
		return
	}
	if capacity == 0 {
		return
	}

	busy := d.cpuBusy(s)
	d.cpuObserve(s, util)

	u, m := s.applyIOWaitBoost(util, capacity)
	d.lastUtil, d.lastCapacity, d.lastBusy = u, m, busy

	next := d.getNextFreq(u, m, busy)

	// Do not reduce the frequency while the processor has had no idle
	// time; the reduction is likely premature.
	if busy && next < d.next {
		next = d.next
		d.cachedRawFreq = 0
	}

	d.commit(at, next)
}

// updateShared stores the member's sample and runs a whole-domain
// evaluation when the dwell gate allows it.
func (d *Domain) updateShared(s *processorSample, at time.Time, util, capacity uint64, flags Flags, boostEnabled bool) {
	s.util = util
	s.capacity = capacity
	s.flags = flags

	s.setIOWaitBoost(at, flags, boostEnabled, d.tickPeriod)
	s.lastUpdate = at

	if flags&FlagDeadline != 0 {
		d.commitMax(at)
		return
	}

	if !d.shouldUpdateFreq(at) {
		return
	}

	next, deadline := d.nextFreqShared(s, at)
	if deadline {
		d.commitMax(at)
		return
	}

	d.commit(at, next)
}

// nextFreqShared aggregates all fresh members into one (util, capacity,
// busy) triple and selects the target frequency. Members are scanned in
// the policy's CPU order; on an exact utilization-ratio tie the earlier
// member wins, since only a strictly greater ratio displaces the running
// maximum. The second return value reports a deadline short-circuit.
func (d *Domain) nextFreqShared(trigger *processorSample, at time.Time) (Frequency, bool) {
	var util uint64
	max := uint64(1)
	var triggerUtil uint64
	busy := false

	for _, cpu := range d.policy.CPUs {
		js := d.samples[cpu]

		// Members that have not reported within the staleness window are
		// probably idle: exclude them and expire their boost.
		if at.Sub(js.lastUpdate) > d.staleWindow {
			js.clearIOWaitBoost()
			continue
		}
		if js.flags&FlagDeadline != 0 {
			return d.policy.MaxFreq, true
		}
		if js.capacity == 0 {
			continue
		}

		if js == trigger {
			triggerUtil = js.util
		}
		busy = busy || d.cpuBusy(js)

		if js.util*max > js.capacity*util {
			util = js.util
			max = js.capacity
		}

		util, max = js.applyIOWaitBoost(util, max)
	}

	// Only the processor whose update triggered this evaluation records
	// its classifier state, so a sibling's utilization change does not
	// perturb the busy status of the others.
	d.cpuObserve(trigger, triggerUtil)

	d.lastUtil, d.lastCapacity, d.lastBusy = util, max, busy

	return d.getNextFreq(util, max, busy), false
}

// shouldUpdateFreq gates whole evaluations: recomputing more often than the
// smaller dwell window is pointless unless a forced refresh is pending.
func (d *Domain) shouldUpdateFreq(at time.Time) bool {
	if d.needFreqUpdate {
		return true
	}

	return at.Sub(d.lastFreqUpdate) >= d.minRateLimit
}

// rateLimited applies the direction-sensitive dwell windows to a candidate.
func (d *Domain) rateLimited(at time.Time, f Frequency) bool {
	delta := at.Sub(d.lastFreqUpdate)

	if f > d.next && delta < d.upRateDelay {
		return true
	}
	if f < d.next && delta < d.downRateDelay {
		return true
	}

	return false
}

// updateNextFreq runs the hysteresis gate on a candidate frequency. A
// rejected candidate resets the cached raw frequency so the next evaluation
// is not short-circuited. Accepted upward changes are dampened by averaging
// with the previous target; downward changes apply as-is.
func (d *Domain) updateNextFreq(at time.Time, f Frequency) bool {
	if d.rateLimited(at, f) {
		d.cachedRawFreq = 0
		return false
	}

	if f == d.next {
		return false
	}

	// Dampen increases by meeting the previous target halfway. The very
	// first commit has no previous target and applies as-is.
	if f > d.next && d.next != 0 {
		f = (d.next + f) / 2
	}

	d.next = f
	d.lastFreqUpdate = at

	return true
}

// commit runs the rate limiter and dispatches an accepted target through
// the active apply mode.
func (d *Domain) commit(at time.Time, f Frequency) {
	if !d.updateNextFreq(at, f) {
		return
	}

	d.lastDeadline = false
	d.dispatch(at)
}

// commitMax requests the policy maximum immediately, bypassing the rate
// limiter, for deadline-class work.
func (d *Domain) commitMax(at time.Time) {
	if d.next == d.policy.MaxFreq {
		return
	}

	d.next = d.policy.MaxFreq
	d.lastFreqUpdate = at
	d.lastDeadline = true
	d.dispatch(at)
}

// dispatch sends the committed target down the fast or deferred path.
// Called with d.mu held.
func (d *Domain) dispatch(at time.Time) {
	if d.fastSwitch {
		applied, err := d.actuator.Apply(d.next)
		if err != nil {
			logger.Debug().
				Str("domain", d.policy.ID).
				Uint64("freq", uint64(d.next)).
				Err(errors.New().Wrap(ErrApplyRejected, err)).
				Msg("Fast switch rejected")
			return
		}
		d.currentFreq = applied
		return
	}

	if d.worker == nil {
		return
	}
	d.workInProgress = true
	d.worker.enqueue(pendingRequest{freq: d.next, at: at})
}

// cpuBusy probes the busy classifier without modifying it. Without an
// IdleStats collaborator no processor is ever classified busy.
func (d *Domain) cpuBusy(s *processorSample) bool {
	if d.idle == nil {
		return false
	}

	return s.isBusy(d.idle.IdleEntries(s.cpu))
}

func (d *Domain) cpuObserve(s *processorSample, util uint64) {
	if d.idle == nil {
		return
	}

	s.observeIdle(d.idle.IdleEntries(s.cpu), util)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}

	return b
}
