package watch

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDaemonLockRefusesSecondHolder(t *testing.T) {
	h := newHarness(t)

	lock, err := h.w.AcquireDaemonLock()
	require.NoError(t, err)
	defer lock.Release()

	_, err = h.w.AcquireDaemonLock()
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestDaemonLockPayloadCarriesProvenance(t *testing.T) {
	h := newHarness(t)

	lock, err := h.w.AcquireDaemonLock()
	require.NoError(t, err)
	defer lock.Release()

	raw, err := os.ReadFile(h.w.Paths.DaemonLock())
	require.NoError(t, err)
	require.Contains(t, string(raw), `"build_uuid":"test-build"`)
	require.Contains(t, string(raw), h.w.Paths.MoonHome)
}
