package governor

import "time"

// CapacityScale is the fixed-point scale utilization and capacity values are
// expressed in. A processor running flat out at its highest frequency reports
// utilization == capacity == CapacityScale.
const CapacityScale = 1024

// Frequency is an operating frequency in kHz.
type Frequency uint64

// Flags classify a utilization update.
type Flags uint8

const (
	FlagNone Flags = 0
	// FlagIOWait marks an update from a processor that was recently blocked
	// on I/O rather than idle.
	FlagIOWait Flags = 1 << 0
	// FlagDeadline marks latency-critical work requiring maximum frequency
	// immediately, bypassing rate limiting.
	FlagDeadline Flags = 1 << 1
)

// Actuator applies target frequencies to a single frequency domain.
type Actuator interface {
	// Apply requests the given frequency and returns the frequency that was
	// actually applied. Callers do not guarantee monotonicity between
	// consecutive requests.
	Apply(freq Frequency) (Frequency, error)

	// AvailableFrequencies returns the supported frequencies in ascending
	// order. An empty table means the actuator accepts a continuous range.
	AvailableFrequencies() []Frequency

	// FastSwitch reports whether Apply is non-blocking and may be invoked
	// inline from the update path. When false, applications are handed off
	// to a dedicated worker.
	FastSwitch() bool
}

// IdleStats provides cumulative idle-entry counts per processor, used by the
// busy classifier. A processor whose count has not advanced between two
// samples has not gone idle in between.
type IdleStats interface {
	IdleEntries(cpu int) uint64
}

// CostStep is one entry of an energy cost table.
type CostStep struct {
	Frequency Frequency
	Cost      uint64
}

// CostTable maps supported frequencies to relative energy costs, ascending by
// frequency. A nil table disables the energy-aware headroom adjustment.
type CostTable []CostStep

// Policy describes one frequency domain handed to New.
type Policy struct {
	// ID identifies the domain in logs and metrics.
	ID string

	// CPUs are the member processor indices. Aggregation iterates them in
	// the order given here; callers are expected to list them ascending.
	CPUs []int

	// MinFreq and MaxFreq bound every frequency the governor selects.
	MinFreq Frequency
	MaxFreq Frequency

	// CurrentFreq seeds the cached current frequency before the first
	// successful actuation.
	CurrentFreq Frequency

	// FreqInvariant reports whether reported utilization is already scaled
	// by the running frequency. When false the selector compensates using
	// the current frequency as reference.
	FreqInvariant bool

	// Scope names the tunable configuration scope this domain attaches to.
	Scope string

	// TickPeriod is the scheduling tick used to expire stale io-wait boosts.
	// Zero selects DefaultTickPeriod.
	TickPeriod time.Duration

	// StaleWindow excludes members not updated within it from aggregation.
	// Zero derives TickPeriod + TickPeriod/8.
	StaleWindow time.Duration

	// EnergyTable optionally enables the busy-headroom adjustment.
	EnergyTable CostTable
}

// DefaultTickPeriod matches a 250Hz scheduling tick.
const DefaultTickPeriod = 4 * time.Millisecond

// Status is a copy of a domain's externally observable state.
type Status struct {
	ID             string
	CurrentFreq    Frequency
	TargetFreq     Frequency
	Utilization    uint64
	Capacity       uint64
	Busy           bool
	Deadline       bool
	IOWaitBoost    uint64
	WorkInProgress bool
}
