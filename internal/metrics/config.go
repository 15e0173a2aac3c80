package metrics

import "codeberg.org/mutker/cpufreqctl/internal/errors"

const (
	// File system permissions and paths
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	defaultDBPath   = "/var/lib/cpufreqctl/metrics.db"

	defaultBatchSize    = 64
	defaultBatchTimeout = 5 // seconds
)

type Config struct {
	DBPath       string
	BatchSize    int
	BatchTimeout int
	Enabled      bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if metrics is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
