package cpufreq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/governor"
	"codeberg.org/mutker/cpufreqctl/internal/logger"
)

func TestMain(m *testing.M) {
	logger.Init(false, false, true)
	os.Exit(m.Run())
}

func writePolicy(t *testing.T, root, id string, files map[string]string) string {
	t.Helper()

	dir := filepath.Join(root, "cpufreq", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content+"\n"), 0o644))
	}

	return dir
}

func fullPolicyFiles() map[string]string {
	return map[string]string{
		"related_cpus":                  "1 0",
		"cpuinfo_min_freq":              "400000",
		"cpuinfo_max_freq":              "1600000",
		"scaling_available_frequencies": "1600000 800000 400000",
		"scaling_cur_freq":              "800000",
		"scaling_governor":              "schedutil",
		"scaling_setspeed":              "<unsupported>",
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writePolicy(t, root, "policy0", fullPolicyFiles())

	policies, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	p := policies[0]
	assert.Equal(t, "policy0", p.ID)
	assert.Equal(t, []int{0, 1}, p.CPUs)
	assert.Equal(t, governor.Frequency(400000), p.MinFreq)
	assert.Equal(t, governor.Frequency(1600000), p.MaxFreq)
	assert.Equal(t, governor.Frequency(800000), p.CurrentFreq)
	assert.Equal(t, []governor.Frequency{400000, 800000, 1600000}, p.Available)
}

func TestDiscoverSkipsBrokenPolicy(t *testing.T) {
	root := t.TempDir()
	writePolicy(t, root, "policy0", fullPolicyFiles())

	// A policy directory missing its mandatory files is skipped
	writePolicy(t, root, "policy1", map[string]string{
		"related_cpus": "2 3",
	})

	policies, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "policy0", policies[0].ID)
}

func TestDiscoverNoDomains(t *testing.T) {
	_, err := Discover(t.TempDir())
	assert.Equal(t, ErrNoDomains, errors.CodeOf(err))
}

func TestDiscoverContinuousRange(t *testing.T) {
	root := t.TempDir()
	files := fullPolicyFiles()
	delete(files, "scaling_available_frequencies")
	writePolicy(t, root, "policy0", files)

	policies, err := Discover(root)
	require.NoError(t, err)
	assert.Empty(t, policies[0].Available)
}

func TestActuatorLifecycle(t *testing.T) {
	root := t.TempDir()
	dir := writePolicy(t, root, "policy0", fullPolicyFiles())

	policies, err := Discover(root)
	require.NoError(t, err)

	a, err := NewActuator(root, policies[0])
	require.NoError(t, err)

	// The previous governor is saved and userspace control enabled
	gov, err := readString(filepath.Join(dir, "scaling_governor"))
	require.NoError(t, err)
	assert.Equal(t, "userspace", gov)

	// Apply writes the setpoint and reports what the driver settled on
	applied, err := a.Apply(400000)
	require.NoError(t, err)
	assert.Equal(t, governor.Frequency(800000), applied, "read-back reflects scaling_cur_freq")

	setspeed, err := readString(filepath.Join(dir, "scaling_setspeed"))
	require.NoError(t, err)
	assert.Equal(t, "400000", setspeed)

	assert.False(t, a.FastSwitch())
	assert.Equal(t, []governor.Frequency{400000, 800000, 1600000}, a.AvailableFrequencies())

	// Restore puts the original governor back
	require.NoError(t, a.Restore())
	gov, err = readString(filepath.Join(dir, "scaling_governor"))
	require.NoError(t, err)
	assert.Equal(t, "schedutil", gov)

	// A second restore is a no-op
	require.NoError(t, a.Restore())
}

func TestActuatorKeepsUserspaceGovernor(t *testing.T) {
	root := t.TempDir()
	files := fullPolicyFiles()
	files["scaling_governor"] = "userspace"
	dir := writePolicy(t, root, "policy0", files)

	policies, err := Discover(root)
	require.NoError(t, err)

	a, err := NewActuator(root, policies[0])
	require.NoError(t, err)

	// Already userspace: Restore must not rewrite anything
	require.NoError(t, a.Restore())
	gov, err := readString(filepath.Join(dir, "scaling_governor"))
	require.NoError(t, err)
	assert.Equal(t, "userspace", gov)
}
