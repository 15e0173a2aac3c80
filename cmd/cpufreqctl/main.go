package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/cpufreqctl/internal/config"
	"codeberg.org/mutker/cpufreqctl/internal/cpufreq"
	"codeberg.org/mutker/cpufreqctl/internal/governor"
	"codeberg.org/mutker/cpufreqctl/internal/logger"
	"codeberg.org/mutker/cpufreqctl/internal/metrics"
	"codeberg.org/mutker/cpufreqctl/internal/pid"
	"codeberg.org/mutker/cpufreqctl/internal/procstat"
)

// tunableScope is the configuration scope every discovered domain attaches
// to: one shared tunable set for the whole machine.
const tunableScope = "global"

var cfg *config.Config

// managedDomain ties a governor domain to the hardware it controls. The
// actuator is nil in monitor mode, where decisions are computed and logged
// but never written to sysfs.
type managedDomain struct {
	domain   *governor.Domain
	actuator *cpufreq.Actuator
}

// monitorActuator accepts every request without touching the hardware.
type monitorActuator struct {
	available []governor.Frequency
}

func (a *monitorActuator) Apply(freq governor.Frequency) (governor.Frequency, error) {
	return freq, nil
}

func (a *monitorActuator) AvailableFrequencies() []governor.Frequency {
	return a.available
}

func (*monitorActuator) FastSwitch() bool {
	return true
}

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		applyLogLevel(config.LogLevel(cfg.LogLevel))
	}
	logger.Debug().Msg("Config loaded")
}

func applyLogLevel(level config.LogLevel) {
	switch level {
	case config.LogLevelDebug:
		logger.SetLogLevel(logger.DebugLevel)
	case config.LogLevelInfo:
		logger.SetLogLevel(logger.InfoLevel)
	case config.LogLevelWarning:
		logger.SetLogLevel(logger.WarnLevel)
	case config.LogLevelError:
		logger.SetLogLevel(logger.ErrorLevel)
	}
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	collector, err := metrics.NewService(metricsConfig(), logger.Default())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize decision recording")
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close decision recording")
		}
	}()

	if err := run(ctx, collector); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, collector metrics.Collector) error {
	interval := time.Duration(cfg.Interval) * time.Millisecond

	sampler := procstat.NewSampler("")

	policies, err := cpufreq.Discover(cpufreq.DefaultRoot)
	if err != nil {
		return err
	}

	registry := governor.NewTunableRegistry(governor.TunableValues{
		UpRateLimit:   time.Duration(cfg.UpRateLimit) * time.Microsecond,
		DownRateLimit: time.Duration(cfg.DownRateLimit) * time.Microsecond,
		IOWaitBoost:   cfg.IOWaitBoost,
	}, cfg.PinRateLimits)

	managed, cpuIndex, err := buildDomains(policies, sampler, registry, interval)
	if err != nil {
		return err
	}
	defer teardown(managed)

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging frequency decisions...")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Prime the utilization counters
	if _, err := sampler.Sample(time.Now()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			samples, err := sampler.Sample(now)
			if err != nil {
				return err
			}

			for _, s := range samples {
				if m, ok := cpuIndex[s.CPU]; ok {
					m.domain.Update(s.CPU, s.At, s.Util, s.Capacity, s.Flags)
				}
			}

			for _, m := range managed {
				status := m.domain.Status()
				logDomainStatus(status)
				recordDecision(ctx, collector, now, status)
			}
		}
	}
}

func buildDomains(
	policies []cpufreq.PolicyInfo,
	sampler *procstat.Sampler,
	registry *governor.TunableRegistry,
	interval time.Duration,
) ([]*managedDomain, map[int]*managedDomain, error) {
	managed := make([]*managedDomain, 0, len(policies))
	cpuIndex := make(map[int]*managedDomain)

	for _, info := range policies {
		var (
			act governor.Actuator
			hw  *cpufreq.Actuator
		)

		if cfg.Monitor {
			act = &monitorActuator{available: info.Available}
		} else {
			var err error
			hw, err = cpufreq.NewActuator(cpufreq.DefaultRoot, info)
			if err != nil {
				teardown(managed)
				return nil, nil, err
			}
			act = hw
		}

		policy := governor.Policy{
			ID:            info.ID,
			CPUs:          info.CPUs,
			MinFreq:       info.MinFreq,
			MaxFreq:       info.MaxFreq,
			CurrentFreq:   info.CurrentFreq,
			FreqInvariant: cfg.FreqInvariant,
			Scope:         tunableScope,
			TickPeriod:    interval,
			EnergyTable:   cfg.EnergyTable(),
		}

		d, err := governor.New(policy, act, sampler, registry)
		if err != nil {
			if hw != nil {
				if rerr := hw.Restore(); rerr != nil {
					logger.Error().Err(rerr).Msg("failed to restore scaling governor")
				}
			}
			teardown(managed)
			return nil, nil, err
		}
		if err := d.Start(); err != nil {
			d.Close()
			if hw != nil {
				if rerr := hw.Restore(); rerr != nil {
					logger.Error().Err(rerr).Msg("failed to restore scaling governor")
				}
			}
			teardown(managed)
			return nil, nil, err
		}

		m := &managedDomain{domain: d, actuator: hw}
		managed = append(managed, m)
		for _, cpu := range info.CPUs {
			cpuIndex[cpu] = m
		}

		logger.Info().
			Str("domain", info.ID).
			Ints("cpus", info.CPUs).
			Uint64("min_freq", uint64(info.MinFreq)).
			Uint64("max_freq", uint64(info.MaxFreq)).
			Msg("Frequency domain attached")
	}

	return managed, cpuIndex, nil
}

func teardown(managed []*managedDomain) {
	for _, m := range managed {
		m.domain.Close()
		if m.actuator != nil {
			if err := m.actuator.Restore(); err != nil {
				logger.Error().Err(err).Msg("failed to restore scaling governor")
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func logDomainStatus(status governor.Status) {
	if cfg.Debug {
		logger.Debug().
			Str("domain", status.ID).
			Uint64("current_freq", uint64(status.CurrentFreq)).
			Uint64("target_freq", uint64(status.TargetFreq)).
			Uint64("util", status.Utilization).
			Uint64("capacity", status.Capacity).
			Uint64("iowait_boost", status.IOWaitBoost).
			Bool("busy", status.Busy).
			Bool("work_in_progress", status.WorkInProgress).
			Bool("monitor", cfg.Monitor).
			Msg("")
	} else if cfg.Verbose || cfg.Monitor {
		logger.Info().
			Str("domain", status.ID).
			Uint64("freq", uint64(status.CurrentFreq)).
			Uint64("target_freq", uint64(status.TargetFreq)).
			Uint64("util", status.Utilization).
			Msg("")
	}
}

func recordDecision(ctx context.Context, collector metrics.Collector, now time.Time, status governor.Status) {
	snapshot := &metrics.Snapshot{
		Timestamp: now,
		Domain:    status.ID,
		Utilization: metrics.UtilizationMetrics{
			Util:     status.Utilization,
			Capacity: status.Capacity,
		},
		Frequency: metrics.FrequencyMetrics{
			Target:  uint64(status.TargetFreq),
			Current: uint64(status.CurrentFreq),
		},
		State: metrics.StateMetrics{
			Busy:          status.Busy,
			IOWaitBoosted: status.IOWaitBoost > 0,
			Deadline:      status.Deadline,
			Deferred:      status.WorkInProgress,
		},
	}

	if err := collector.Record(ctx, snapshot); err != nil {
		logger.Debug().Err(err).Msg("failed to record decision")
	}
}

func metricsConfig() metrics.Config {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.Metrics
	if cfg.MetricsDB != "" {
		mc.DBPath = cfg.MetricsDB
	}
	return mc
}
