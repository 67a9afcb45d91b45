// Package snapshot projects raw register words into the typed,
// physics-aware semantic view of inverter state published to control-port
// readers, and holds the Snapshot Store described in §4.4.
package snapshot

import (
	"sync"
	"time"

	"github.com/evcc-io/inverter-bridge/internal/energy"
)

// QuietWindow is how long an accepted setting command suppresses a
// conflicting settings-sweep observation, per the Glossary. Must track
// link.CoolingWindow; the two are named independently because the Link
// Manager and the Snapshot Store are separate concerns, but the spec
// defines one window.
const QuietWindow = 10 * time.Second

// Settings is the sticky settings partition: once a field is observed via a
// settings sweep or set via an accepted command, it remains until a
// conflicting observation arrives. It is never reset on disconnect.
type Settings struct {
	OutputMode      int
	ACInputRange    int
	BuzzerMode      int
	BacklightStatus int
	ReturnToDefault int
	BatteryTypeCode int
	ChargerPriority int
	MaxTotalAmps    float64
	MaxACAmps       float64
	SOCBackToGrid   int
	SOCBackToBatt   int
	SOCCutoff       int
}

// defaultSettings mirrors original_source/inverter_bridge.py's in-memory
// defaults, carried forward as the snapshot's pre-first-sweep values.
func defaultSettings() Settings {
	return Settings{
		BuzzerMode:      3,
		BacklightStatus: 1,
		ChargerPriority: 3,
		SOCBackToGrid:   100,
		SOCBackToBatt:   100,
	}
}

// Store is the shared, concurrently-read snapshot state described in §3/§4.4.
// It is guarded by a short read-write critical section, independent of the
// inverter link lock.
type Store struct {
	mu sync.RWMutex

	sensor *Sensor
	fault  *Fault

	settings     Settings
	pendingUntil map[string]time.Time

	now func() time.Time
}

// NewStore creates a Store with the original source's default settings and
// no sensor/fault data (as if freshly disconnected).
func NewStore(now func() time.Time) *Store {
	return &Store{
		settings:     defaultSettings(),
		pendingUntil: make(map[string]time.Time),
		now:          now,
	}
}

// Reset reverts the sensor and fault partitions to the empty/NULL shape on
// disconnect (§4.4). Settings and their pending state survive, per the
// sticky-settings invariant.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensor = nil
	s.fault = nil
}

// ApplySensor installs a freshly decoded sensor partition.
func (s *Store) ApplySensor(r SensorResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor := r.Sensor
	s.sensor = &sensor
}

// ApplyFault installs a freshly decoded fault/warning partition. A nil
// fault (garbage block) leaves the existing partition untouched.
func (s *Store) ApplyFault(f *Fault) {
	if f == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// isPending reports whether field has a live optimistic pending window, per
// the Design Notes' "every field carries a pending_until instant; polled
// updates are ignored while pending and fresh" state machine.
func (s *Store) isPending(field string) bool {
	until, ok := s.pendingUntil[field]
	return ok && s.now().Before(until)
}

// ApplySettingsMain applies the 301-block settings sweep (output_mode,
// ac_input_range, buzzer_mode, backlight_status), skipping any field that
// is still pending from a recent command.
func (s *Store) ApplySettingsMain(words []uint16) {
	if len(words) < 5 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPending("output_mode") {
		s.settings.OutputMode = int(words[0])
	}
	if !s.isPending("ac_input_range") {
		s.settings.ACInputRange = int(words[1])
	}
	if !s.isPending("buzzer_mode") {
		s.settings.BuzzerMode = int(words[2])
	}
	if !s.isPending("backlight_status") {
		s.settings.BacklightStatus = int(words[4])
	}
}

// ApplyChargerPriority applies the 331 settings read.
func (s *Store) ApplyChargerPriority(words []uint16) {
	if len(words) < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPending("charger_priority") {
		s.settings.ChargerPriority = int(words[0])
	}
}

// ApplyMaxACAmps applies the 333 settings read (÷10 scaling).
func (s *Store) ApplyMaxACAmps(words []uint16) {
	if len(words) < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPending("max_ac_amps") {
		s.settings.MaxACAmps = float64(words[0]) / 10
	}
}

// ApplySOC applies the 341 settings read (soc_back_to_grid,
// soc_back_to_batt, soc_cutoff).
func (s *Store) ApplySOC(words []uint16) {
	if len(words) < 3 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPending("soc_back_to_grid") {
		s.settings.SOCBackToGrid = int(words[0])
	}
	if !s.isPending("soc_back_to_batt") {
		s.settings.SOCBackToBatt = int(words[1])
	}
	if !s.isPending("soc_cutoff") {
		s.settings.SOCCutoff = int(words[2])
	}
}

// ApplyBatteryType applies the 322 settings read.
func (s *Store) ApplyBatteryType(words []uint16) {
	if len(words) < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPending("battery_type_code") {
		s.settings.BatteryTypeCode = int(words[0])
	}
}

// ApplyReturnToDefault applies the 306 settings read.
func (s *Store) ApplyReturnToDefault(words []uint16) {
	if len(words) < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isPending("return_to_default") {
		s.settings.ReturnToDefault = int(words[0])
	}
}

// SetOptimistic writes a setting field immediately (before the wire write
// completes) and marks it pending for QuietWindow, so the next settings
// sweep does not clobber it with a stale value. mutate receives a pointer
// to the live settings struct under the write lock.
func (s *Store) SetOptimistic(field string, mutate func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.settings)
	s.pendingUntil[field] = s.now().Add(QuietWindow)
}

// Settings returns a copy of the current settings partition.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Document is the flat JSON document published on the control port: sensor
// and fault fields are nullable pointers (NULL while the link is down or
// never yet observed), settings and energy fields are always present.
type Document struct {
	DeviceStatusCode *int     `json:"device_status_code"`
	DeviceStatusMsg  *string  `json:"device_status_msg"`
	GridVolt         *float64 `json:"grid_volt"`
	GridFreq         *float64 `json:"grid_freq"`
	GridPowerWatt    *int     `json:"grid_power_watt"`
	ACOutVolt        *float64 `json:"ac_out_volt"`
	ACOutputAmp      *float64 `json:"ac_output_amp"`
	ACLoadRealWatt   *int     `json:"ac_load_real_watt"`
	ACLoadVA         *int     `json:"ac_load_va"`
	ACLoadPct        *float64 `json:"ac_load_pct"`
	BattVolt         *float64 `json:"batt_volt"`
	BattPowerWatt    *int     `json:"batt_power_watt"`
	BattCurrent      *float64 `json:"batt_current"`
	PVInputVolt      *float64 `json:"pv_input_volt"`
	PVInputWatt      *int     `json:"pv_input_watt"`
	PVCurrent        *float64 `json:"pv_current"`
	BattSOC          *int     `json:"batt_soc"`
	TempInv          *int     `json:"temp_inv"`
	TempDC           *int     `json:"temp_dc"`

	FaultCode      *int    `json:"fault_code"`
	FaultMsg       *string `json:"fault_msg"`
	WarningCode    *int    `json:"warning_code"`
	WarningMsg     *string `json:"warning_msg"`
	FaultBitmask   *int    `json:"fault_bitmask"`
	WarningBitmask *int    `json:"warning_bitmask"`

	OutputMode      int     `json:"output_mode"`
	ACInputRange    int     `json:"ac_input_range"`
	BuzzerMode      int     `json:"buzzer_mode"`
	BacklightStatus int     `json:"backlight_status"`
	ReturnToDefault int     `json:"return_to_default"`
	BatteryTypeCode int     `json:"battery_type_code"`
	ChargerPriority int     `json:"charger_priority"`
	MaxTotalAmps    float64 `json:"max_total_amps"`
	MaxACAmps       float64 `json:"max_ac_amps"`
	SOCBackToGrid   int     `json:"soc_back_to_grid"`
	SOCBackToBatt   int     `json:"soc_back_to_batt"`
	SOCCutoff       int     `json:"soc_cutoff"`

	TotalPVKWh               float64 `json:"total_pv_kwh"`
	TotalGridInputKWh        float64 `json:"total_grid_input_kwh"`
	TotalLoadKWh             float64 `json:"total_load_kwh"`
	TotalBatteryChargeKWh    float64 `json:"total_battery_charge_kwh"`
	TotalBatteryDischargeKWh float64 `json:"total_battery_discharge_kwh"`
}

// Document assembles the current snapshot into its JSON shape, merging in
// the always-present energy totals regardless of link state.
func (s *Store) Document(totals energy.Totals) Document {
	s.mu.RLock()
	sensor := s.sensor
	fault := s.fault
	settings := s.settings
	s.mu.RUnlock()

	d := Document{
		OutputMode:      settings.OutputMode,
		ACInputRange:    settings.ACInputRange,
		BuzzerMode:      settings.BuzzerMode,
		BacklightStatus: settings.BacklightStatus,
		ReturnToDefault: settings.ReturnToDefault,
		BatteryTypeCode: settings.BatteryTypeCode,
		ChargerPriority: settings.ChargerPriority,
		MaxTotalAmps:    settings.MaxTotalAmps,
		MaxACAmps:       settings.MaxACAmps,
		SOCBackToGrid:   settings.SOCBackToGrid,
		SOCBackToBatt:   settings.SOCBackToBatt,
		SOCCutoff:       settings.SOCCutoff,

		TotalPVKWh:               round4(totals.PVKWh),
		TotalGridInputKWh:        round4(totals.GridInputKWh),
		TotalLoadKWh:             round4(totals.LoadKWh),
		TotalBatteryChargeKWh:    round4(totals.BatteryChargeKWh),
		TotalBatteryDischargeKWh: round4(totals.BatteryDischargeKWh),
	}

	if sensor != nil {
		d.DeviceStatusCode = intPtr(sensor.DeviceStatusCode)
		d.DeviceStatusMsg = strPtr(sensor.DeviceStatusMsg)
		d.GridVolt = f64Ptr(sensor.GridVolt)
		d.GridFreq = f64Ptr(sensor.GridFreq)
		d.GridPowerWatt = intPtr(sensor.GridPowerWatt)
		d.ACOutVolt = f64Ptr(sensor.ACOutVolt)
		d.ACOutputAmp = f64Ptr(sensor.ACOutputAmp)
		d.ACLoadRealWatt = intPtr(sensor.ACLoadRealWatt)
		d.ACLoadVA = intPtr(sensor.ACLoadVA)
		d.ACLoadPct = f64Ptr(sensor.ACLoadPct)
		d.BattVolt = f64Ptr(sensor.BattVolt)
		d.BattPowerWatt = intPtr(sensor.BattPowerWatt)
		d.BattCurrent = f64Ptr(sensor.BattCurrent)
		d.PVInputVolt = f64Ptr(sensor.PVInputVolt)
		d.PVInputWatt = intPtr(sensor.PVInputWatt)
		d.PVCurrent = f64Ptr(sensor.PVCurrent)
		d.BattSOC = intPtr(sensor.BattSOC)
		d.TempInv = intPtr(sensor.TempInv)
		d.TempDC = intPtr(sensor.TempDC)
	}

	if fault != nil {
		d.FaultCode = intPtr(fault.FaultCode)
		d.FaultMsg = strPtr(fault.FaultMsg)
		d.WarningCode = intPtr(fault.WarningCode)
		d.WarningMsg = strPtr(fault.WarningMsg)
		d.FaultBitmask = intPtr(fault.FaultBitmask)
		d.WarningBitmask = intPtr(fault.WarningBitmask)
	}

	return d
}

func round4(v float64) float64 { return roundN(v, 10000) }

func intPtr(v int) *int          { return &v }
func strPtr(v string) *string    { return &v }
func f64Ptr(v float64) *float64  { return &v }
