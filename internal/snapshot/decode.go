package snapshot

import (
	"fmt"
	"strings"

	"github.com/evcc-io/inverter-bridge/internal/regproto"
)

// ratedWatt is the inverter's rated apparent power, used to compute load
// percentage (§4.4). Overridable at startup via SetRatedWatt since it
// varies by inverter model; defaults to the 6200 VA unit the distilled
// spec's scenarios assume.
var ratedWatt float64 = 6200

// SetRatedWatt overrides the rated-power constant used by loadPercentage.
// Must be called before the Poll Scheduler starts, not concurrently with it.
func SetRatedWatt(watts int) {
	ratedWatt = float64(watts)
}

// Sensor is the decoded sensor partition of the snapshot, refreshed every
// poll tick from the 40-word block starting at register 200. It is nil in
// the Store whenever the link is down.
type Sensor struct {
	DeviceStatusCode int
	DeviceStatusMsg  string
	GridVolt         float64
	GridFreq         float64
	GridPowerWatt    int
	ACOutVolt        float64
	ACOutputAmp      float64
	ACLoadRealWatt   int
	ACLoadVA         int
	ACLoadPct        float64
	BattVolt         float64
	BattPowerWatt    int
	BattCurrent      float64
	PVInputVolt      float64
	PVInputWatt      int
	PVCurrent        float64
	BattSOC          int
	TempInv          int
	TempDC           int
}

// SensorResult carries the decoded Sensor plus the raw fields the
// fault/warning decoder's physics check and the energy integrator need from
// the same tick's sensor read.
type SensorResult struct {
	Sensor Sensor

	BattDischargeRaw uint16 // word 8, raw
	BattChargeRaw    uint16 // word 9, raw
	StatusCode       int    // word 1
}

// BatteryActive reports whether this tick's sensor read shows the battery
// charging, discharging, or in Battery Mode — the evidence the
// fault/warning decoder's physics check needs.
func (r SensorResult) BatteryActive() bool {
	return r.BattDischargeRaw > 0 || r.BattChargeRaw > 0 || r.StatusCode == statusBattery
}

// DecodeSensor decodes the 40-word sensor block read from register 200. A
// block shorter than 40 words is a failed read (§4.3 edge-case policy) and
// is rejected rather than partially applied.
func DecodeSensor(words []uint16) (SensorResult, error) {
	if len(words) < 40 {
		return SensorResult{}, fmt.Errorf("snapshot: sensor block too short: want 40 words, got %d", len(words))
	}

	statusCode := int(words[1])

	var battPower int
	if words[9] > 0 {
		battPower = -int(words[9])
	} else {
		battPower = int(regproto.ToSigned(words[8]))
	}

	battVolt := float64(words[15]) / 10
	pvVolt := float64(words[19]) / 10
	pvWatt := int(words[23])
	loadVA := int(words[14])

	s := Sensor{
		DeviceStatusCode: statusCode,
		DeviceStatusMsg:  statusText(statusCode),
		GridVolt:         float64(words[2]) / 10,
		GridFreq:         float64(words[3]) / 100,
		GridPowerWatt:    int(words[4]),
		ACOutVolt:        float64(words[5]) / 10,
		ACOutputAmp:      float64(words[11]) / 10,
		ACLoadRealWatt:   int(words[13]),
		ACLoadVA:         loadVA,
		ACLoadPct:        loadPercentage(loadVA),
		BattVolt:         battVolt,
		BattPowerWatt:    battPower,
		BattCurrent:      batteryCurrent(battPower, battVolt),
		PVInputVolt:      pvVolt,
		PVInputWatt:      pvWatt,
		PVCurrent:        pvCurrent(pvWatt, pvVolt),
		BattSOC:          int(words[29]),
		TempInv:          int(words[26]),
		TempDC:           int(words[27]),
	}

	return SensorResult{
		Sensor:           s,
		BattDischargeRaw: words[8],
		BattChargeRaw:    words[9],
		StatusCode:       statusCode,
	}, nil
}

func loadPercentage(loadVA int) float64 {
	pct := 100 * float64(loadVA) / ratedWatt
	if pct > 300 {
		return 300
	}
	return round1(pct)
}

func batteryCurrent(battPower int, battVolt float64) float64 {
	if battVolt <= 0 {
		return 0
	}
	abs := battPower
	if abs < 0 {
		abs = -abs
	}
	return round1(float64(abs) / battVolt)
}

func pvCurrent(pvWatt int, pvVolt float64) float64 {
	if pvVolt <= 0 {
		return 0
	}
	return round2(float64(pvWatt) / pvVolt)
}

func round1(v float64) float64 { return roundN(v, 10) }
func round2(v float64) float64 { return roundN(v, 100) }

func roundN(v, scale float64) float64 {
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}

// Fault is the decoded fault/warning partition, refreshed on fault-block
// ticks (register 100, 6 words).
type Fault struct {
	FaultCode      int
	FaultMsg       string
	WarningCode    int
	WarningMsg     string
	FaultBitmask   int
	WarningBitmask int
}

// Warning bit positions for the two combined bitmasks named in §4.4. reg104
// is the primary warning word (index 4 of the fault block); reg105 is the
// secondary/critical warning word (index 5).
const (
	bitFanLocked       = 1 << 0
	bitTemperatureHigh = 1 << 1
	bitLowBattery      = 1 << 2
	bitBMSFail         = 1 << 3
	bitOutputDerating  = 1 << 4
	bitPVEnergyLow     = 1 << 5
	bitBatteryOpen104  = 1 << 6
	bitPowerLimit      = 1 << 7
	bitLowBatteryAlt   = 1 << 8

	bitSystemFault       = 1 << 0
	bitBatteryOpen105    = 1 << 6
	bitBatteryRecovering = 1 << 12
)

// DecodeFault decodes the 6-word fault/warning block starting at register
// 100 (numeric fault at index 1, reg104 at index 4, reg105 at index 5).
// statusCode and battActive come from the same tick's sensor read and gate
// the physics-aware filter: "battery open" warnings are suppressed while
// the battery is actually active, "system fault" is suppressed while
// on-grid or in battery mode, and a set "recovering" bit hides the reg105
// "battery open" and instead reports "Battery Recovering" while on-grid or
// "Battery Cutoff/Under Voltage" in any other status.
//
// A nil *Fault with a nil error means the block was garbage (either mask
// 0xFFFF); the caller must leave the previous warning fields untouched.
func DecodeFault(words []uint16, statusCode int, battActive bool) (*Fault, error) {
	if len(words) < 6 {
		return nil, fmt.Errorf("snapshot: fault block too short: want 6 words, got %d", len(words))
	}

	numericFault := int(words[1])
	reg104 := words[4]
	reg105 := words[5]

	if reg104 == 0xFFFF || reg105 == 0xFFFF {
		return nil, nil
	}

	var warnings []string
	if reg104&bitFanLocked != 0 {
		warnings = append(warnings, "Fan Locked (01)")
	}
	if reg104&bitTemperatureHigh != 0 {
		warnings = append(warnings, "Temperature High (02)")
	}
	if reg104&bitLowBattery != 0 {
		warnings = append(warnings, "Low Battery (04)")
	}
	if reg104&bitBMSFail != 0 {
		warnings = append(warnings, "BMS Fail (19)")
	}
	if reg104&bitOutputDerating != 0 {
		warnings = append(warnings, "Output Derating (10)")
	}
	if reg104&bitPVEnergyLow != 0 {
		warnings = append(warnings, "PV Energy Low (15)")
	}
	if reg104&bitBatteryOpen104 != 0 && !battActive {
		warnings = append(warnings, "Battery Open (bP)")
	}
	if reg104&bitPowerLimit != 0 {
		warnings = append(warnings, "Power Limit (09)")
	}
	if reg104&bitLowBatteryAlt != 0 {
		warnings = append(warnings, "Low Battery (04-Alt)")
	}

	if reg105&bitSystemFault != 0 && statusCode != statusOnGrid && statusCode != statusBattery {
		warnings = append(warnings, "System Fault (01)")
	}

	recovering := reg105&bitBatteryRecovering != 0
	if reg105&bitBatteryOpen105 != 0 && !recovering && !battActive {
		warnings = append(warnings, "Battery Open (64)")
	}
	if recovering {
		if statusCode == statusOnGrid {
			warnings = append(warnings, "Battery Recovering (Waiting for Charge)")
		} else {
			warnings = append(warnings, "Battery Cutoff/Under Voltage (4096)")
		}
	}

	f := &Fault{
		FaultBitmask:   int(reg104),
		WarningBitmask: int(reg105),
	}

	if len(warnings) == 0 {
		f.WarningMsg = "No Warning"
		f.WarningCode = 0
	} else {
		f.WarningMsg = strings.Join(warnings, ", ")
		f.WarningCode = 99
	}

	f.FaultCode = numericFault
	if numericFault == 0 && statusCode == statusFault && len(warnings) > 0 {
		f.FaultMsg = "FAULT: " + strings.Join(warnings, ", ")
	} else {
		f.FaultMsg = faultText(numericFault)
	}

	return f, nil
}
