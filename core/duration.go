package core

import (
	"regexp"
	"strconv"
)

var durationPattern = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:([\d.]+)S)?`)

// ParseDuration converts an ISO-8601 duration such as "PT1H2M3.4S" into
// seconds. Any component may be absent. Malformed input yields 0 rather
// than an error; the remote service owns the format and we stay tolerant.
func ParseDuration(s string) float64 {
	if s == "" || s == "PT0S" {
		return 0
	}

	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}

	var hours, minutes int
	var seconds float64
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	if m[2] != "" {
		minutes, _ = strconv.Atoi(m[2])
	}
	if m[3] != "" {
		seconds, _ = strconv.ParseFloat(m[3], 64)
	}

	return float64(hours)*3600 + float64(minutes)*60 + seconds
}
