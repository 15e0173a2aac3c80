package governor

import "codeberg.org/mutker/cpufreqctl/internal/errors"

const (
	// Policy and lifecycle errors
	ErrInvalidPolicy   = errors.ErrorCode("governor_invalid_policy")
	ErrEmptyDomain     = errors.ErrorCode("governor_empty_domain")
	ErrDomainClosed    = errors.ErrorCode("governor_domain_closed")
	ErrMissingActuator = errors.ErrorCode("governor_missing_actuator")

	// Tunable errors
	ErrInvalidRateLimit = errors.ErrorCode("governor_invalid_rate_limit")
	ErrUnknownScope     = errors.ErrorCode("governor_unknown_scope")

	// Actuation errors
	ErrApplyRejected = errors.ErrorCode("governor_apply_rejected")
)
