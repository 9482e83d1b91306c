package steps

import (
	"sort"
	"strconv"
	"strings"
)

// dmiValue extracts the single useful line from `dmidecode -s <keyword>`
// output. dmidecode prefixes comment lines with '#'.
func dmiValue(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}

// parseLscpu pulls the CPU model and logical core count out of lscpu's
// "Field: value" table. The bare "CPU(s):" row is matched exactly so NUMA
// per-node rows do not shadow it.
func parseLscpu(out string) (model string, cores int) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Model name":
			model = value
		case "CPU(s)":
			if n, err := strconv.Atoi(value); err == nil {
				cores = n
			}
		}
	}
	return model, cores
}

// parseMemGB converts /proc/meminfo's MemTotal row to whole gigabytes,
// rounded to the nearest.
func parseMemGB(out string) int {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return int((kb + 512*1024) / (1024 * 1024))
	}
	return 0
}

// lanIPAddress extracts the "IP Address" row from `ipmitool lan print`
// output, splitting each row at its first colon.
func lanIPAddress(out string) string {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "IP Address" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// cutSetting splits one "Key=Value" line of a BIOS config blob. Blank
// lines, comments and section headers are not settings.
func cutSetting(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") ||
		strings.HasPrefix(trimmed, ";") {
		return "", "", false
	}
	key, value, ok = strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), key != ""
}

// settingsMap flattens a Key=Value blob for adapters that take maps.
func settingsMap(blob string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(blob, "\n") {
		if k, v, ok := cutSetting(line); ok {
			out[k] = v
		}
	}
	return out
}

// overlayPreserve rewrites the rendered blob so that every preserve-listed
// key keeps the value it has in the current blob. Lines that are not
// settings, and preserved keys absent from the current blob, pass through
// untouched; the rendered line order is kept.
func overlayPreserve(rendered, current string, preserve []string) (string, int) {
	if len(preserve) == 0 || current == "" {
		return rendered, 0
	}
	keep := make(map[string]bool, len(preserve))
	for _, k := range preserve {
		keep[k] = true
	}
	currentVals := settingsMap(current)

	kept := 0
	lines := strings.Split(rendered, "\n")
	for i, line := range lines {
		k, v, ok := cutSetting(line)
		if !ok || !keep[k] {
			continue
		}
		cur, exists := currentVals[k]
		if !exists || cur == v {
			continue
		}
		lines[i] = k + "=" + cur
		kept++
	}
	return strings.Join(lines, "\n"), kept
}

// orderUpdates sorts firmware components for application: bmc first, bios
// second, everything else alphabetical after them.
func orderUpdates(components []string) []string {
	rank := func(c string) int {
		switch c {
		case "bmc":
			return 0
		case "bios":
			return 1
		}
		return 2
	}
	out := make([]string, len(components))
	copy(out, components)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}
