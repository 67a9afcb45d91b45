package snapshot

import "fmt"

// The code-to-text tables (device status and numeric fault) are pure static
// data and live beside the projector rather than in the wire layer; the
// warning bit labels are inline in DecodeFault, and battery type has no
// label table (see the end of this file).

// statusTable maps the device-status code (word 1 of the sensor block) to
// its human-readable name.
var statusTable = map[int]string{
	0: "Standby / Power Off",
	1: "Fault Mode",
	2: "Line Mode (On-Grid)",
	3: "Battery Mode",
	4: "Bypass / Warning Mode",
	5: "Power Saving Mode",
	6: "Online Mode",
	7: "Bypass Mode",
	8: "Digital Bypass",
	9: "Eco Mode",
}

func statusText(code int) string {
	if s, ok := statusTable[code]; ok {
		return s
	}
	return "Unknown"
}

// Status codes named in §Glossary, used by the physics-aware warning filter.
const (
	statusFault   = 1
	statusOnGrid  = 2
	statusBattery = 3
)

// faultTable maps the numeric fault code (word 1 of the fault block) to its
// message.
var faultTable = map[int]string{
	0:  "No Fault",
	1:  "Over temperature of inverter module",
	2:  "Over temperature of DCDC module",
	3:  "Battery voltage is too high",
	4:  "Over temperature of PV module",
	5:  "Output short circuited",
	6:  "Output voltage is too high",
	7:  "Overload time out",
	8:  "Bus voltage is too high",
	9:  "Bus soft start failed",
	10: "PV over current",
	11: "PV over voltage",
	12: "DCDC over current",
	13: "Over current or surge",
	14: "Bus voltage is too low",
	15: "Inverter failed (Self-checking)",
	18: "Op current offset is too high",
	19: "Inverter current offset is too high",
	20: "DC/DC current offset is too high",
	21: "PV current offset is too high",
	22: "Output voltage is too low",
	23: "Inverter negative power",
	51: "Over Current Inverter",
	52: "Bus Voltage Too Low",
	53: "Inverter Soft Start Failed",
	55: "Over DC Voltage in AC Output",
	56: "Battery Connection Open",
	57: "Current Sensor Failed",
	58: "Output Voltage Too Low",
	99: "Unknown Fault",
}

func faultText(code int) string {
	if s, ok := faultTable[code]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Fault %d", code)
}

// Battery-type setting register (322) is carried in the snapshot only as
// its numeric code (battery_type_code); neither the distilled spec nor
// original_source/ enumerates label text for it, so none is invented here.
