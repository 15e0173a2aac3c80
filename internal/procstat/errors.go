package procstat

import "codeberg.org/mutker/cpufreqctl/internal/errors"

const (
	ErrReadStat  = errors.ErrorCode("procstat_read_failed")
	ErrParseStat = errors.ErrorCode("procstat_parse_failed")
)
