package governor

// mapUtilFreq maps utilization onto a frequency proportional to it, using
// C = 1.25 via freq + freq/4 so that full scale is reached at 80%
// utilization (the tipping point).
func mapUtilFreq(util uint64, freq Frequency, capacity uint64) Frequency {
	f := uint64(freq)
	return Frequency((f + (f >> 2)) * util / capacity)
}

// HigherFreq returns the highest table frequency whose energy cost stays
// within the given margin of the lowest step at or above minFreq. A margin
// of CapacityScale/2 allows steps costing at most twice the base step; a
// zero margin returns the base step itself. Frequencies outside the table
// pass through unchanged.
func (t CostTable) HigherFreq(minFreq Frequency, costMargin uint64) Frequency {
	if len(t) == 0 {
		return minFreq
	}

	i := 0
	for ; i < len(t); i++ {
		if t[i].Frequency >= minFreq {
			break
		}
	}
	if i == len(t) {
		return minFreq
	}

	maxCost := t[i].Cost + (t[i].Cost*2*costMargin)/CapacityScale

	for ; i < len(t); i++ {
		if t[i].Cost > maxCost {
			break
		}
		minFreq = t[i].Frequency
	}

	return minFreq
}

// getNextFreq computes the target frequency for the aggregated (util, max)
// pair. The reference frequency is the policy maximum when utilization is
// frequency-invariant, otherwise the currently running frequency. When the
// domain carries an energy table and at least one member is busy, the raw
// frequency may be raised to a step costing at most twice the base step, to
// help the busy processor reach its needed frequency faster.
//
// An unchanged raw frequency short-circuits to the previously selected
// frequency unless a forced refresh is pending. Called with d.mu held.
func (d *Domain) getNextFreq(util, max uint64, busy bool) Frequency {
	freq := d.policy.MaxFreq
	if !d.policy.FreqInvariant {
		freq = d.currentFreq
	}

	var costMargin uint64
	if busy {
		costMargin = CapacityScale / 2
	}

	raw := mapUtilFreq(util, freq, max)
	raw = d.policy.EnergyTable.HigherFreq(raw, costMargin)

	// Fixed-point correction: raw * 1.25 scaled back by util/max.
	raw = mapUtilFreq(util, raw, max)

	if raw == d.cachedRawFreq && !d.needFreqUpdate {
		return d.next
	}

	d.needFreqUpdate = false
	d.cachedRawFreq = raw

	return d.resolveFreq(raw)
}

// resolveFreq maps a raw frequency onto the lowest actuator-supported
// frequency at or above it, clamped to the policy limits.
func (d *Domain) resolveFreq(raw Frequency) Frequency {
	target := clampFreq(raw, d.policy.MinFreq, d.policy.MaxFreq)

	if len(d.freqTable) > 0 {
		resolved := d.freqTable[len(d.freqTable)-1]
		for _, f := range d.freqTable {
			if f >= target {
				resolved = f
				break
			}
		}
		target = clampFreq(resolved, d.policy.MinFreq, d.policy.MaxFreq)
	}

	return target
}

func clampFreq(f, minFreq, maxFreq Frequency) Frequency {
	if f < minFreq {
		return minFreq
	}
	if f > maxFreq {
		return maxFreq
	}

	return f
}
