package cpufreq

import "codeberg.org/mutker/cpufreqctl/internal/errors"

const (
	// Discovery errors
	ErrNoDomains      = errors.ErrorCode("cpufreq_no_domains")
	ErrReadPolicy     = errors.ErrorCode("cpufreq_read_policy_failed")
	ErrParsePolicy    = errors.ErrorCode("cpufreq_parse_policy_failed")
	ErrPolicyNotFound = errors.ErrorCode("cpufreq_policy_not_found")

	// Actuation errors
	ErrSetFrequency    = errors.ErrorCode("cpufreq_set_frequency_failed")
	ErrSetGovernor     = errors.ErrorCode("cpufreq_set_governor_failed")
	ErrRestoreGovernor = errors.ErrorCode("cpufreq_restore_governor_failed")
)
