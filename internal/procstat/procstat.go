package procstat

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/governor"
)

const (
	// DefaultPath is the kernel's scheduler accounting file.
	DefaultPath = "/proc/stat"

	// iowaitShareThreshold flags a sample as io-wait bound when the iowait
	// share of the elapsed ticks reaches 1/16 of full scale.
	iowaitShareThreshold = governor.CapacityScale / 16
)

// Sample is one processor's normalized utilization observation.
type Sample struct {
	CPU      int
	At       time.Time
	Util     uint64
	Capacity uint64
	Flags    governor.Flags
}

// cpuTimes are cumulative jiffy counters for one processor.
type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

func (t cpuTimes) busy() uint64 {
	return t.total() - t.idle - t.iowait
}

// Sampler converts /proc/stat deltas into utilization samples on the
// governor's capacity scale, and exposes the cumulative idle counters for
// the busy classifier.
type Sampler struct {
	path string

	mu   sync.Mutex
	prev map[int]cpuTimes
	last map[int]cpuTimes
}

// NewSampler reads processor accounting from path; an empty path selects
// DefaultPath.
func NewSampler(path string) *Sampler {
	if path == "" {
		path = DefaultPath
	}

	return &Sampler{
		path: path,
		prev: make(map[int]cpuTimes),
		last: make(map[int]cpuTimes),
	}
}

// Sample reads the accounting file and returns one utilization sample per
// processor. The first call only primes the counters and returns nothing.
func (s *Sampler) Sample(at time.Time) ([]Sample, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errFactory.Wrap(ErrReadStat, err)
	}

	current, err := parseStat(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	primed := len(s.prev) > 0
	samples := make([]Sample, 0, len(current))

	for cpu, now := range current {
		s.last[cpu] = now

		prev, ok := s.prev[cpu]
		if !ok || !primed {
			continue
		}

		// A counter that went backwards (reset, migration) would underflow
		// the deltas; skip the cycle and let the stored counters re-prime
		// this processor.
		if now.total() < prev.total() || now.busy() < prev.busy() || now.iowait < prev.iowait {
			continue
		}

		totalDelta := now.total() - prev.total()
		if totalDelta == 0 {
			continue
		}

		busyDelta := now.busy() - prev.busy()
		iowaitDelta := now.iowait - prev.iowait

		sample := Sample{
			CPU:      cpu,
			At:       at,
			Util:     busyDelta * governor.CapacityScale / totalDelta,
			Capacity: governor.CapacityScale,
		}
		if iowaitDelta*governor.CapacityScale/totalDelta >= iowaitShareThreshold {
			sample.Flags |= governor.FlagIOWait
		}

		samples = append(samples, sample)
	}

	s.prev = current

	return samples, nil
}

// IdleEntries implements governor.IdleStats using the cumulative idle tick
// counter: a processor whose idle ticks have not advanced between two
// samples has not been idle in between.
func (s *Sampler) IdleEntries(cpu int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.last[cpu].idle
}

// parseStat extracts the per-processor counter lines ("cpuN ...") from
// /proc/stat contents. The aggregate "cpu" line is ignored.
func parseStat(data []byte) (map[int]cpuTimes, error) {
	errFactory := errors.New()
	times := make(map[int]cpuTimes)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] == "cpu" {
			continue
		}

		cpu, err := strconv.Atoi(strings.TrimPrefix(fields[0], "cpu"))
		if err != nil {
			continue
		}

		values := make([]uint64, 0, 8)
		for _, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return nil, errFactory.WithData(ErrParseStat, line)
			}
			values = append(values, v)
			if len(values) == 8 {
				break
			}
		}
		for len(values) < 8 {
			values = append(values, 0)
		}

		times[cpu] = cpuTimes{
			user:    values[0],
			nice:    values[1],
			system:  values[2],
			idle:    values[3],
			iowait:  values[4],
			irq:     values[5],
			softirq: values[6],
			steal:   values[7],
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errFactory.Wrap(ErrParseStat, err)
	}

	return times, nil
}
