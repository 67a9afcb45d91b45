package control

import "testing"

func TestParseCommandTable(t *testing.T) {
	cases := []struct {
		line     string
		wantKind commandKind
		wantN    int
	}{
		{"JSON\r\n", cmdJSON, 0},
		{"MODE_2\r\n", cmdMode, 2},
		{"SET_AC_RANGE_1\r\n", cmdSetACRange, 1},
		{"SET_BUZZER_0\r\n", cmdSetBuzzer, 0},
		{"SET_BACKLIGHT_1\r\n", cmdSetBacklight, 1},
		{"SET_RETURN_DEFAULT_1\r\n", cmdSetReturnDefault, 1},
		{"SET_BATTERY_TYPE_2\r\n", cmdSetBatteryType, 2},
		{"CSO_SET\r\n", cmdChargerPriority, 1},
		{"CHARGE_ON\r\n", cmdChargerPriority, 2},
		{"SNU_SET\r\n", cmdChargerPriority, 2},
		{"CHARGE_OFF\r\n", cmdChargerPriority, 3},
		{"OSO_SET\r\n", cmdChargerPriority, 3},
		{"SET_TOTAL_AMPS_30\r\n", cmdSetTotalAmps, 30},
		{"SET_AMPS_25\r\n", cmdSetAmps, 25},
		{"SET_SOC_GRID_50\r\n", cmdSetSOCGrid, 50},
		{"SET_SOC_BATT_40\r\n", cmdSetSOCBatt, 40},
		{"SET_SOC_CUTOFF_20\r\n", cmdSetSOCCutoff, 20},
	}

	for _, c := range cases {
		got, ok := parseCommand(c.line)
		if !ok {
			t.Errorf("parseCommand(%q): ok = false, want true", c.line)
			continue
		}
		if got.kind != c.wantKind || got.n != c.wantN {
			t.Errorf("parseCommand(%q) = {%v, %d}, want {%v, %d}", c.line, got.kind, got.n, c.wantKind, c.wantN)
		}
	}
}

func TestParseCommandRejectsUnknown(t *testing.T) {
	for _, line := range []string{"", "GARBAGE\r\n", "MODE_abc\r\n", "SET_AMPS_\r\n"} {
		if _, ok := parseCommand(line); ok {
			t.Errorf("parseCommand(%q): ok = true, want false", line)
		}
	}
}
