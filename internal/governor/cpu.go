package governor

import "time"

// processorSample holds the per-processor state the governor keeps between
// updates. The utilization fields are shared with the aggregation path and
// guarded by the domain lock; the idle-classifier fields are written only
// from that processor's own update call.
type processorSample struct {
	cpu int

	util       uint64
	capacity   uint64
	flags      Flags
	lastUpdate time.Time

	iowaitBoost        uint64
	iowaitBoostPending bool
	boostSeed          uint64
	boostMax           uint64

	savedIdleEntries uint64
	previousUtil     uint64
}

// setIOWaitBoost ramps the boost on updates carrying FlagIOWait: a pending
// boost from the previous cycle is left alone, otherwise the boost doubles
// (clamped to boostMax) or is seeded from the domain minimum. A boost that
// has not been refreshed for more than one tick is stale and cleared.
func (s *processorSample) setIOWaitBoost(now time.Time, flags Flags, enabled bool, tick time.Duration) {
	if !enabled {
		return
	}

	if s.iowaitBoost > 0 {
		if now.Sub(s.lastUpdate) > tick {
			s.iowaitBoost = 0
			s.iowaitBoostPending = false
		}
	}

	if flags&FlagIOWait == 0 {
		return
	}

	if s.iowaitBoostPending {
		return
	}
	s.iowaitBoostPending = true

	if s.iowaitBoost > 0 {
		s.iowaitBoost <<= 1
		if s.iowaitBoost > s.boostMax {
			s.iowaitBoost = s.boostMax
		}
	} else {
		s.iowaitBoost = s.boostSeed
	}
}

// applyIOWaitBoost decays the boost on non-boost cycles and substitutes the
// boosted (util, capacity) pair when it represents a higher relative load
// than the observed one, using a cross-multiplied comparison.
func (s *processorSample) applyIOWaitBoost(util, capacity uint64) (uint64, uint64) {
	if s.iowaitBoost == 0 {
		return util, capacity
	}

	if s.iowaitBoostPending {
		s.iowaitBoostPending = false
	} else {
		s.iowaitBoost >>= 1
		if s.iowaitBoost < s.boostSeed {
			s.iowaitBoost = 0
			return util, capacity
		}
	}

	if util*s.boostMax < capacity*s.iowaitBoost {
		return s.iowaitBoost, s.boostMax
	}

	return util, capacity
}

func (s *processorSample) clearIOWaitBoost() {
	s.iowaitBoost = 0
	s.iowaitBoostPending = false
}

// isBusy reports whether the processor has not entered idle since the last
// observation. It does not modify classifier state, so sibling evaluations
// can probe members without perturbing them.
func (s *processorSample) isBusy(idleEntries uint64) bool {
	return idleEntries == s.savedIdleEntries
}

// observeIdle records the idle-entry counter for the next busy check. When
// the utilization has not increased, the counter is backed off by one so a
// processor that was already idle before the observation window opened is
// not misread as busy on the next sample.
func (s *processorSample) observeIdle(idleEntries, util uint64) {
	s.savedIdleEntries = idleEntries
	if util <= s.previousUtil {
		s.savedIdleEntries--
	}
	s.previousUtil = util
}
