package energy

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "energy.json")
	return Load(path, clock.New(), discardLogger()), path
}

func TestIntegratePVWattHour(t *testing.T) {
	s, _ := newTestStore(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Integrate(base, 3600, 0, 0, 0)
	s.Integrate(base.Add(time.Second), 3600, 0, 0, 0)

	got := s.Totals().PVKWh
	want := 3600.0 * 1.0 / 3_600_000
	require.InDelta(t, want, got, 1e-9)
}

func TestIntegrateDiscardsOutOfWindowDelta(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Integrate(base, 1000, 0, 0, 0)
	s.Integrate(base.Add(10*time.Second), 1000, 0, 0, 0) // outside (0,5s) window

	require.Zero(t, s.Totals().PVKWh)
}

func TestIntegrateBatteryChargeDischarge(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Integrate(base, 0, 0, 0, 0)
	s.Integrate(base.Add(time.Second), 0, 0, 0, -500) // charging
	s.Integrate(base.Add(2*time.Second), 0, 0, 0, 700) // discharging

	totals := s.Totals()
	require.InDelta(t, 500.0/3_600_000, totals.BatteryChargeKWh, 1e-9)
	require.InDelta(t, 700.0/3_600_000, totals.BatteryDischargeKWh, 1e-9)
}

func TestEnergyMonotonicity(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Integrate(base, 100, 100, 100, 100)

	prev := s.Totals()
	for i := 1; i <= 50; i++ {
		s.Integrate(base.Add(time.Duration(i)*time.Second), 100, 100, 100, 100)
		cur := s.Totals()
		require.GreaterOrEqual(t, cur.PVKWh, prev.PVKWh)
		require.GreaterOrEqual(t, cur.GridInputKWh, prev.GridInputKWh)
		require.GreaterOrEqual(t, cur.LoadKWh, prev.LoadKWh)
		require.GreaterOrEqual(t, cur.BatteryDischargeKWh, prev.BatteryDischargeKWh)
		prev = cur
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Integrate(base, 3600, 1800, 900, -450)
	s.Integrate(base.Add(time.Second), 3600, 1800, 900, -450)

	require.NoError(t, s.Save())

	reloaded := Load(path, clock.New(), discardLogger())
	require.InDelta(t, s.Totals().PVKWh, reloaded.Totals().PVKWh, 1e-4)
	require.InDelta(t, s.Totals().GridInputKWh, reloaded.Totals().GridInputKWh, 1e-4)
	require.InDelta(t, s.Totals().BatteryChargeKWh, reloaded.Totals().BatteryChargeKWh, 1e-4)
}

func TestLoadMissingKeysDefaultToZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"total_pv_kwh": 12.5}`), 0o644))

	s := Load(path, clock.New(), discardLogger())
	totals := s.Totals()
	require.Equal(t, 12.5, totals.PVKWh)
	require.Zero(t, totals.GridInputKWh)
	require.Zero(t, totals.BatteryChargeKWh)
}

func TestLoadCorruptFileYieldsZeros(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := Load(path, clock.New(), discardLogger())
	require.Equal(t, Totals{}, s.Totals())
}

func TestColdRestartAfterCrashFollowingSave(t *testing.T) {
	s, path := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Integrate(base, 1200, 0, 0, 0)
	s.Integrate(base.Add(time.Second), 1200, 0, 0, 0)
	require.NoError(t, s.Save())

	// Simulate a crash immediately after the save: a fresh process loads
	// from the same path and must observe the saved totals.
	reloaded := Load(path, clock.New(), discardLogger())
	require.Equal(t, s.Totals(), reloaded.Totals())
}

func TestRunAutosaveStopsOnCancel(t *testing.T) {
	s, _ := newTestStore(t)
	mock := clock.NewMock()
	s.clock = mock

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunAutosave(ctx) }()

	cancel()
	err := <-done
	require.Error(t, err)
}
