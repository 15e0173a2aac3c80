package config

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/governor"
)

const (
	DefaultLogLevel = "info"

	defaultInterval      = 100   // milliseconds between utilization samples
	defaultUpRateLimit   = 500   // microseconds
	defaultDownRateLimit = 20000 // microseconds
)

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

func (l LogLevel) String() string {
	return string(l)
}

// EnergyStep is one row of the optional energy model table
type EnergyStep struct {
	Frequency uint64 `mapstructure:"frequency"`
	Cost      uint64 `mapstructure:"cost"`
}

type Config struct {
	Interval      int          `mapstructure:"interval"`
	UpRateLimit   int          `mapstructure:"up_rate_limit"`
	DownRateLimit int          `mapstructure:"down_rate_limit"`
	IOWaitBoost   bool         `mapstructure:"iowait_boost"`
	PinRateLimits bool         `mapstructure:"pin_rate_limits"`
	FreqInvariant bool         `mapstructure:"freq_invariant"`
	Monitor       bool         `mapstructure:"monitor"`
	LogLevel      string       `mapstructure:"log_level"`
	Metrics       bool         `mapstructure:"metrics"`
	MetricsDB     string       `mapstructure:"database"`
	Energy        []EnergyStep `mapstructure:"energy"`
	Debug         bool         `mapstructure:"debug"`
	Verbose       bool         `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	errFactory := errors.New()

	v := viper.New()
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("up_rate_limit", defaultUpRateLimit)
	v.SetDefault("down_rate_limit", defaultDownRateLimit)
	v.SetDefault("iowait_boost", true)
	v.SetDefault("pin_rate_limits", false)
	v.SetDefault("freq_invariant", false)
	v.SetDefault("monitor", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("metrics", false)
	v.SetDefault("database", "")
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)

	// Define flags
	flags := pflag.NewFlagSet("cpufreqctl", pflag.ContinueOnError)
	flags.Int("interval", defaultInterval, "Milliseconds between utilization samples")
	flags.Int("up-rate-limit", defaultUpRateLimit, "Minimum microseconds between frequency increases")
	flags.Int("down-rate-limit", defaultDownRateLimit, "Minimum microseconds between frequency decreases")
	flags.Bool("iowait-boost", true, "Boost frequency after io-wait wakeups")
	flags.Bool("pin-rate-limits", false, "Reject runtime changes to the rate limit windows")
	flags.Bool("monitor", false, "Only observe and log, never set frequencies")
	flags.String("log-level", DefaultLogLevel, "Logging level (debug, info, warning, error)")
	flags.Bool("metrics", false, "Record governor decisions to a database")
	flags.String("database", "", "Path to the decision database")
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	flagKeys := map[string]string{
		"interval":        "interval",
		"up-rate-limit":   "up_rate_limit",
		"down-rate-limit": "down_rate_limit",
		"iowait-boost":    "iowait_boost",
		"pin-rate-limits": "pin_rate_limits",
		"monitor":         "monitor",
		"log-level":       "log_level",
		"metrics":         "metrics",
		"database":        "database",
		"debug":           "debug",
		"verbose":         "verbose",
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix("CPUFREQCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// An explicit config path wins over the search path
	if path := os.Getenv("CPUFREQCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cpufreqctl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.UpRateLimit < 0 || c.DownRateLimit < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "rate limits must not be negative")
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	for _, step := range c.Energy {
		if step.Frequency == 0 {
			return errFactory.WithData(errors.ErrInvalidConfig, "energy table frequency must not be zero")
		}
	}

	return nil
}

// EnergyTable converts the configured energy model into the governor's
// cost table representation.
func (c *Config) EnergyTable() governor.CostTable {
	if len(c.Energy) == 0 {
		return nil
	}

	table := make(governor.CostTable, 0, len(c.Energy))
	for _, step := range c.Energy {
		table = append(table, governor.CostStep{
			Frequency: governor.Frequency(step.Frequency),
			Cost:      step.Cost,
		})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Frequency < table[j].Frequency })

	return table
}
