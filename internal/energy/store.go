// Package energy performs Riemann-left integration of instantaneous power
// readings into five monotonic kWh counters and persists them atomically.
package energy

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"github.com/evcc-io/inverter-bridge/internal/metrics"
)

// SaveInterval is how often the store is written to disk while running.
const SaveInterval = 300 * time.Second

// integrationWindow bounds the Δt accepted between two sensor ticks; wider
// gaps (clock jumps, long stalls, disconnections) are discarded rather than
// integrated, so a single outage can never inject an arbitrarily large
// energy value.
const integrationWindow = 5 * time.Second

// Totals is the on-disk and wire shape of the five lifetime accumulators.
type Totals struct {
	PVKWh               float64 `json:"total_pv_kwh"`
	GridInputKWh        float64 `json:"total_grid_input_kwh"`
	LoadKWh             float64 `json:"total_load_kwh"`
	BatteryChargeKWh    float64 `json:"total_battery_charge_kwh"`
	BatteryDischargeKWh float64 `json:"total_battery_discharge_kwh"`
}

// Store is the guarded, durable home of the energy totals. It is safe for
// concurrent use; its lock is independent of the inverter link lock so that
// the atomic save never blocks wire traffic.
type Store struct {
	mu     sync.Mutex
	totals Totals

	path        string
	clock       clock.Clock
	logger      *logrus.Entry
	haveLast    bool
	lastTickAt  time.Time
}

// Load reads the persisted totals from path. A missing or corrupt file
// yields fresh zeros rather than an error, per §4.5: the integrator must
// always be able to start. It prints the one operator-visible banner
// reporting all five totals on load.
func Load(path string, clk clock.Clock, logger *logrus.Entry) *Store {
	s := &Store{path: path, clock: clk, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithError(err).Info("energy: no prior state file, starting from zero")
		s.logBanner()
		return s
	}

	var t Totals
	if err := json.Unmarshal(data, &t); err != nil {
		logger.WithError(err).Warn("energy: corrupt state file, starting from zero")
		s.logBanner()
		return s
	}

	s.totals = t
	s.logBanner()
	return s
}

func (s *Store) logBanner() {
	s.logger.WithFields(logrus.Fields{
		"pv_kwh":               s.totals.PVKWh,
		"grid_input_kwh":       s.totals.GridInputKWh,
		"load_kwh":             s.totals.LoadKWh,
		"battery_charge_kwh":   s.totals.BatteryChargeKWh,
		"battery_discharge_kwh": s.totals.BatteryDischargeKWh,
	}).Info("energy: loaded totals")
}

// Totals returns a copy of the current accumulators.
func (s *Store) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Integrate folds one successful sensor tick's instantaneous readings into
// the accumulators. now is the tick's wall-clock timestamp; pPV, pGrid, and
// pLoad are instantaneous watts, battPower is the signed battery power
// convention from §4.4 (negative while charging, positive while
// discharging). Integration is skipped when Δt since the previous
// successful tick falls outside (0, 5s).
func (s *Store) Integrate(now time.Time, pPV, pGrid, pLoad, battPower float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		s.lastTickAt = now
		s.haveLast = true
	}()

	if !s.haveLast {
		return
	}

	dt := now.Sub(s.lastTickAt)
	if dt <= 0 || dt >= integrationWindow {
		return
	}

	hours := dt.Hours()
	if pPV > 0 {
		s.totals.PVKWh += pPV * hours / 1000
	}
	if pGrid > 0 {
		s.totals.GridInputKWh += pGrid * hours / 1000
	}
	if pLoad > 0 {
		s.totals.LoadKWh += pLoad * hours / 1000
	}
	if battPower < 0 {
		s.totals.BatteryChargeKWh += -battPower * hours / 1000
	} else if battPower > 0 {
		s.totals.BatteryDischargeKWh += battPower * hours / 1000
	}
}

// Save atomically persists the current totals via temp-file-then-rename.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.totals, "", "  ")
	s.mu.Unlock()
	if err != nil {
		metrics.EnergySaveFailures.Inc()
		return err
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		metrics.EnergySaveFailures.Inc()
		return err
	}
	return nil
}

// RunAutosave saves every SaveInterval until ctx is cancelled. Save
// failures are logged and retried at the next tick; the in-memory counters
// are never lost because of a write failure (§7).
func (s *Store) RunAutosave(ctx context.Context) error {
	ticker := s.clock.Ticker(SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Save(); err != nil {
				s.logger.WithError(err).Error("energy: periodic save failed, will retry next tick")
			}
		}
	}
}
