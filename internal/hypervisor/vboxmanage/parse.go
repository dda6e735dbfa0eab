package vboxmanage

import "strings"

// parseMachineReadable parses `key="value"` / `key=value` lines from
// VBoxManage --machinereadable output. Malformed lines are skipped.
func parseMachineReadable(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.Trim(key, `"`)
		value = strings.Trim(value, `"`)
		info[key] = value
	}
	return info
}
