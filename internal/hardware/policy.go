package hardware

import (
	"slices"
	"strconv"
	"strings"
)

// staticRules are granted for a class regardless of attached devices.
var staticRules = map[Class][]string{
	ClassAudio:     {"c 116:* rwm"},
	ClassBluetooth: {"c 13:* rwm"},
	ClassSerial:    {"c 4:* rwm", "c 5:* rwm", "c 166:* rwm", "c 188:* rwm", "c 204:* rwm"},
	ClassUSB:       {"c 189:* rwm"},
	ClassVideo:     {"c 29:* rwm", "c 81:* rwm", "c 226:* rwm"},
	ClassGPIO:      {},
}

// Rules returns the sorted cgroup rules for classes given the current device list.
// Devices whose major number is not covered by a static wildcard rule get a
// dedicated rule so dynamically numbered nodes stay reachable.
func Rules(classes []Class, devices []Device) []string {
	var rules []string
	covered := map[uint32]bool{}
	for _, c := range classes {
		for _, r := range staticRules[c] {
			rules = append(rules, r)
			if maj, ok := wildcardMajor(r); ok {
				covered[maj] = true
			}
		}
	}
	for _, d := range devices {
		if !slices.Contains(classes, d.Class) || covered[d.Major] {
			continue
		}
		rules = append(rules, d.Rule())
	}
	slices.Sort(rules)
	return slices.Compact(rules)
}

func wildcardMajor(rule string) (uint32, bool) {
	// "c 116:* rwm"
	fields := strings.Fields(rule)
	if len(fields) != 3 {
		return 0, false
	}
	maj, minor, ok := strings.Cut(fields[1], ":")
	if !ok || minor != "*" {
		return 0, false
	}
	n, err := strconv.ParseUint(maj, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
