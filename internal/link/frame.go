package link

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseFrame parses a wire line of the form "<state-fields>!<sensor-fields>\n"
// where each half is a ";"-terminated run of "K:V;" groups, per
// original_source/server/arduino.py's _parse_data.
//
// State fields: C (commands received), B (bad commands received), L (ms
// since last command), E (emergency stop, 0/1). commands_sent is never on
// the wire — the microcontroller only ever reports what it received, so
// Link tracks commands_sent itself and fills it in after parseFrame
// returns (see Link.Poll).
// Sensor fields: arbitrary "name:value;" pairs, one per onboard sensor.
func parseFrame(line string, now time.Time) (*State, []Reading, error) {
	line = strings.TrimRight(line, "\r\n")
	halves := strings.SplitN(line, "!", 2)
	if len(halves) != 2 {
		return nil, nil, fmt.Errorf("missing '!' separator in frame %q", line)
	}
	stateHalf, sensorHalf := halves[0], halves[1]

	if (stateHalf != "" && !strings.HasSuffix(stateHalf, ";")) || (sensorHalf != "" && !strings.HasSuffix(sensorHalf, ";")) {
		return nil, nil, fmt.Errorf("frame halves must end with ';': %q", line)
	}

	stateFields, err := splitFields(stateHalf)
	if err != nil {
		return nil, nil, fmt.Errorf("state half: %w", err)
	}
	sensorFields, err := splitFields(sensorHalf)
	if err != nil {
		return nil, nil, fmt.Errorf("sensor half: %w", err)
	}

	st := &State{Timestamp: now}
	for k, v := range stateFields {
		switch k {
		case "C":
			st.CommandsReceived, _ = strconv.Atoi(v)
		case "B":
			st.BadCommandsReceived, _ = strconv.Atoi(v)
		case "L":
			st.MsSinceCommand, _ = strconv.Atoi(v)
		case "E":
			st.EmergencyStop = v == "1"
		}
	}

	readings := make([]Reading, 0, len(sensorFields))
	for name, v := range sensorFields {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("sensor %q: bad value %q: %w", name, v, err)
		}
		readings = append(readings, Reading{Timestamp: now, Name: name, Value: f})
	}

	return st, readings, nil
}

// splitFields parses a ";"-terminated run of "K:V;" groups into a map.
func splitFields(half string) (map[string]string, error) {
	out := map[string]string{}
	groups := strings.Split(strings.TrimSuffix(half, ";"), ";")
	for _, g := range groups {
		if g == "" {
			continue
		}
		kv := strings.SplitN(g, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed field group %q", g)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// encodeCommand wraps a raw driver command token for transmission. The
// wire grammar for commands sent to the microcontroller is a bare line
// (e.g. "G", "X", "V10,20", "R"); no additional envelope is required.
func encodeCommand(cmd string) string {
	return cmd
}
