package cpufreq

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/governor"
	"codeberg.org/mutker/cpufreqctl/internal/logger"
)

const (
	// DefaultRoot is where the kernel exposes cpufreq state.
	DefaultRoot = "/sys/devices/system/cpu"

	userspaceGovernor = "userspace"
	setspeedFilePerm  = 0o644
)

// PolicyInfo describes one kernel frequency domain (a policyN directory):
// the processors sharing the voltage/frequency plane and the frequency
// range the hardware supports.
type PolicyInfo struct {
	ID          string
	CPUs        []int
	MinFreq     governor.Frequency
	MaxFreq     governor.Frequency
	CurrentFreq governor.Frequency
	Available   []governor.Frequency
}

// Discover enumerates the frequency domains under root. Domains that fail
// to parse are skipped with a log entry; an empty result is an error.
func Discover(root string) ([]PolicyInfo, error) {
	errFactory := errors.New()

	pattern := filepath.Join(root, "cpufreq", "policy*")
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errFactory.Wrap(ErrReadPolicy, err)
	}

	policies := make([]PolicyInfo, 0, len(dirs))
	for _, dir := range dirs {
		info, err := readPolicy(dir)
		if err != nil {
			logger.Warn().Str("policy", filepath.Base(dir)).Err(err).Msg("Skipping unreadable policy")
			continue
		}
		policies = append(policies, info)
	}

	if len(policies) == 0 {
		return nil, errFactory.WithData(ErrNoDomains, root)
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })

	return policies, nil
}

func readPolicy(dir string) (PolicyInfo, error) {
	errFactory := errors.New()
	info := PolicyInfo{ID: filepath.Base(dir)}

	cpus, err := readIntList(filepath.Join(dir, "related_cpus"))
	if err != nil {
		return PolicyInfo{}, errFactory.Wrap(ErrReadPolicy, err)
	}
	info.CPUs = cpus

	minFreq, err := readUint(filepath.Join(dir, "cpuinfo_min_freq"))
	if err != nil {
		return PolicyInfo{}, errFactory.Wrap(ErrReadPolicy, err)
	}
	maxFreq, err := readUint(filepath.Join(dir, "cpuinfo_max_freq"))
	if err != nil {
		return PolicyInfo{}, errFactory.Wrap(ErrReadPolicy, err)
	}
	info.MinFreq = governor.Frequency(minFreq)
	info.MaxFreq = governor.Frequency(maxFreq)

	// Optional: unavailable on drivers with a continuous range
	if freqs, err := readUintList(filepath.Join(dir, "scaling_available_frequencies")); err == nil {
		info.Available = make([]governor.Frequency, 0, len(freqs))
		for _, f := range freqs {
			info.Available = append(info.Available, governor.Frequency(f))
		}
		sort.Slice(info.Available, func(i, j int) bool { return info.Available[i] < info.Available[j] })
	}

	if cur, err := readUint(filepath.Join(dir, "scaling_cur_freq")); err == nil {
		info.CurrentFreq = governor.Frequency(cur)
	}

	return info, nil
}

// Actuator applies target frequencies to one policy directory through the
// kernel's userspace governor. Apply blocks on sysfs writes, so the
// governor treats it as a deferred (slow-switch) actuator.
type Actuator struct {
	dir              string
	available        []governor.Frequency
	savedGovernor    string
	governorSwitched bool
}

// NewActuator switches the policy to the userspace scaling governor,
// remembering the previous one for Restore.
func NewActuator(root string, info PolicyInfo) (*Actuator, error) {
	errFactory := errors.New()

	a := &Actuator{
		dir:       filepath.Join(root, "cpufreq", info.ID),
		available: append([]governor.Frequency(nil), info.Available...),
	}

	saved, err := readString(filepath.Join(a.dir, "scaling_governor"))
	if err != nil {
		return nil, errFactory.Wrap(ErrReadPolicy, err)
	}
	a.savedGovernor = saved

	if saved != userspaceGovernor {
		if err := writeString(filepath.Join(a.dir, "scaling_governor"), userspaceGovernor); err != nil {
			return nil, errFactory.Wrap(ErrSetGovernor, err)
		}
		a.governorSwitched = true
	}

	logger.Debug().
		Str("policy", info.ID).
		Str("previous_governor", saved).
		Msg("Userspace frequency control enabled")

	return a, nil
}

// Apply writes the target frequency and reads back what the driver settled
// on. If the read-back fails the requested value is reported.
func (a *Actuator) Apply(freq governor.Frequency) (governor.Frequency, error) {
	errFactory := errors.New()

	path := filepath.Join(a.dir, "scaling_setspeed")
	if err := writeString(path, strconv.FormatUint(uint64(freq), 10)); err != nil {
		return 0, errFactory.Wrap(ErrSetFrequency, err)
	}

	if cur, err := readUint(filepath.Join(a.dir, "scaling_cur_freq")); err == nil {
		return governor.Frequency(cur), nil
	}

	return freq, nil
}

// AvailableFrequencies returns the driver's frequency table, ascending.
func (a *Actuator) AvailableFrequencies() []governor.Frequency {
	return append([]governor.Frequency(nil), a.available...)
}

// FastSwitch reports false: sysfs writes may block.
func (*Actuator) FastSwitch() bool {
	return false
}

// Restore re-enables the scaling governor that was active before NewActuator.
func (a *Actuator) Restore() error {
	errFactory := errors.New()

	if !a.governorSwitched {
		return nil
	}

	if err := writeString(filepath.Join(a.dir, "scaling_governor"), a.savedGovernor); err != nil {
		return errFactory.Wrap(ErrRestoreGovernor, err)
	}
	a.governorSwitched = false

	return nil
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

func writeString(path, value string) error {
	return os.WriteFile(path, []byte(value), setspeedFilePerm)
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(s, 10, 64)
}

func readUintList(path string) ([]uint64, error) {
	s, err := readString(path)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(s)
	values := make([]uint64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	return values, nil
}

func readIntList(path string) ([]int, error) {
	values, err := readUintList(path)
	if err != nil {
		return nil, err
	}

	cpus := make([]int, 0, len(values))
	for _, v := range values {
		cpus = append(cpus, int(v))
	}
	sort.Ints(cpus)

	return cpus, nil
}
