package governor

import (
	"sync"
	"time"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
)

// Default rate-limit windows, matching the asymmetric dwell times the
// governor was tuned with: quick to raise, slow to lower.
const (
	DefaultUpRateLimit   = 500 * time.Microsecond
	DefaultDownRateLimit = 20 * time.Millisecond
)

// TunableValues is a plain copy of a tunable set, used for defaults and for
// caching values across domain teardown.
type TunableValues struct {
	UpRateLimit   time.Duration
	DownRateLimit time.Duration
	IOWaitBoost   bool
}

// DefaultTunables returns the stock tunable values.
func DefaultTunables() TunableValues {
	return TunableValues{
		UpRateLimit:   DefaultUpRateLimit,
		DownRateLimit: DefaultDownRateLimit,
		IOWaitBoost:   false,
	}
}

// Tunables is a tunable set shared by reference across every domain in the
// same configuration scope. Writes are serialized by an internal lock;
// readers copy values out.
type Tunables struct {
	mu      sync.Mutex
	values  TunableValues
	pinned  bool
	domains []*Domain
}

// UpRateLimit returns the upward dwell window.
func (t *Tunables) UpRateLimit() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values.UpRateLimit
}

// DownRateLimit returns the downward dwell window.
func (t *Tunables) DownRateLimit() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values.DownRateLimit
}

// IOWaitBoostEnabled reports whether io-wait boosting is active.
func (t *Tunables) IOWaitBoostEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values.IOWaitBoost
}

// Values returns a copy of the current tunable values.
func (t *Tunables) Values() TunableValues {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.values
}

// SetUpRateLimit updates the upward dwell window and recomputes the derived
// delays of every attached domain. While the rate limits are pinned the
// write is silently ignored, preserving the pinned defaults.
func (t *Tunables) SetUpRateLimit(window time.Duration) error {
	errFactory := errors.New()
	if window < 0 {
		return errFactory.WithData(ErrInvalidRateLimit, window)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pinned {
		return nil
	}

	t.values.UpRateLimit = window
	t.propagateRateLimits()

	return nil
}

// SetDownRateLimit updates the downward dwell window, with the same pinning
// behavior as SetUpRateLimit.
func (t *Tunables) SetDownRateLimit(window time.Duration) error {
	errFactory := errors.New()
	if window < 0 {
		return errFactory.WithData(ErrInvalidRateLimit, window)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pinned {
		return nil
	}

	t.values.DownRateLimit = window
	t.propagateRateLimits()

	return nil
}

// SetIOWaitBoostEnabled toggles io-wait boosting. The flag is writable even
// while the rate limits are pinned.
func (t *Tunables) SetIOWaitBoostEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values.IOWaitBoost = enabled
}

// propagateRateLimits pushes the current windows into every attached domain.
// Called with t.mu held; domain locks are always taken after the tunable
// lock, never the other way around.
func (t *Tunables) propagateRateLimits() {
	for _, d := range t.domains {
		d.setRateLimits(t.values.UpRateLimit, t.values.DownRateLimit)
	}
}

func (t *Tunables) attach(d *Domain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domains = append(t.domains, d)
}

// detach removes a domain and reports how many remain attached.
func (t *Tunables) detach(d *Domain) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, attached := range t.domains {
		if attached == d {
			t.domains = append(t.domains[:i], t.domains[i+1:]...)
			break
		}
	}

	return len(t.domains)
}

// TunableRegistry hands out shared tunable sets keyed by configuration
// scope. The last domain releasing a scope destroys the live set but caches
// its values, so a later domain of the same scope starts where the previous
// one left off.
type TunableRegistry struct {
	mu       sync.Mutex
	defaults TunableValues
	pinned   bool
	active   map[string]*Tunables
	cached   map[string]TunableValues
}

// NewTunableRegistry creates a registry. When pinRateLimits is set, rate
// limit writes on every tunable set handed out are silently ignored and the
// given defaults stay in force.
func NewTunableRegistry(defaults TunableValues, pinRateLimits bool) *TunableRegistry {
	return &TunableRegistry{
		defaults: defaults,
		pinned:   pinRateLimits,
		active:   make(map[string]*Tunables),
		cached:   make(map[string]TunableValues),
	}
}

// Acquire attaches a domain to the tunable set of the given scope, creating
// it from cached or default values if no domain currently holds it.
func (r *TunableRegistry) Acquire(scope string, d *Domain) *Tunables {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.active[scope]
	if !ok {
		values := r.defaults
		if cached, ok := r.cached[scope]; ok {
			values = cached
			// Pinned windows are never restored from cache
			if r.pinned {
				values.UpRateLimit = r.defaults.UpRateLimit
				values.DownRateLimit = r.defaults.DownRateLimit
			}
		}
		t = &Tunables{values: values, pinned: r.pinned}
		r.active[scope] = t
	}

	t.attach(d)

	return t
}

// Release detaches a domain from its scope. The last release caches the
// values and destroys the live set.
func (r *TunableRegistry) Release(scope string, d *Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.active[scope]
	if !ok {
		return
	}

	if t.detach(d) == 0 {
		r.cached[scope] = t.Values()
		delete(r.active, scope)
	}
}
