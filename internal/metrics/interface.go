package metrics

import (
	"context"
	"time"
)

// Collector defines the core domain interface
type Collector interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

// Repository defines the interface for decision data storage
type Repository interface {
	Record(snapshot *Snapshot) error
	Close() error
}

// Snapshot captures one governor decision for a frequency domain
type Snapshot struct {
	Timestamp   time.Time
	Domain      string
	Utilization UtilizationMetrics
	Frequency   FrequencyMetrics
	State       StateMetrics
}

// Domain value objects
type UtilizationMetrics struct {
	Util     uint64
	Capacity uint64
}

type FrequencyMetrics struct {
	Target  uint64
	Current uint64
}

type StateMetrics struct {
	Busy          bool
	IOWaitBoosted bool
	Deadline      bool
	Deferred      bool
}
