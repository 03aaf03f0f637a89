package rsync

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// MaxErrorMessages is how many literal error lines are kept for diagnostics.
const MaxErrorMessages = 3

// Stats holds what could be read from one transfer's captured output.
//
// Fields the output did not contain stay zero; Parsed reports whether the
// --stats summary lines were found at all.
type Stats struct {
	BytesSent     int64
	BytesReceived int64
	TransferRate  float64 // bytes per second
	TotalSize     int64
	Speedup       float64

	ErrorCount       int
	WarningCount     int
	PermissionErrors int
	ConnectionErrors int

	// ErrorMessages holds up to MaxErrorMessages error lines verbatim.
	ErrorMessages []string

	Parsed bool
}

const numberPattern = `([0-9][0-9.,]*[KMGTP]?)`

var (
	sentLineRe  = regexp.MustCompile(`sent\s+` + numberPattern + `\s+bytes\s+received\s+` + numberPattern + `\s+bytes\s+` + numberPattern + `\s+bytes/sec`)
	totalLineRe = regexp.MustCompile(`total size is\s+` + numberPattern + `\s+speedup is\s+([0-9][0-9.,]*)`)
)

var connectionIndicators = []string{
	"connection refused",
	"connection timed out",
	"connection reset",
	"connection closed",
	"connection unexpectedly closed",
	"no route to host",
	"could not resolve hostname",
	"network is unreachable",
	"broken pipe",
}

// ParseStats reads rsync --stats output. It never fails: malformed or
// truncated output yields zero statistics.
func ParseStats(output []byte) Stats {
	var st Stats

	// Lines are not length-limited; a huge file list line must not hide the
	// summary that follows it.
	for raw := range bytes.Lines(output) {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)

		if m := sentLineRe.FindStringSubmatch(line); m != nil {
			st.BytesSent = int64(math.Round(parseHumanNumber(m[1])))
			st.BytesReceived = int64(math.Round(parseHumanNumber(m[2])))
			st.TransferRate = parseHumanNumber(m[3])
			st.Parsed = true
			continue
		}
		if m := totalLineRe.FindStringSubmatch(line); m != nil {
			st.TotalSize = int64(math.Round(parseHumanNumber(m[1])))
			st.Speedup = parseHumanNumber(m[2])
			st.Parsed = true
			continue
		}

		if strings.Contains(lower, "warning") {
			st.WarningCount++
		}
		if strings.Contains(lower, "permission denied") {
			st.PermissionErrors++
		}
		for _, ind := range connectionIndicators {
			if strings.Contains(lower, ind) {
				st.ConnectionErrors++
				break
			}
		}
		if isErrorLine(lower) {
			st.ErrorCount++
			if len(st.ErrorMessages) < MaxErrorMessages {
				st.ErrorMessages = append(st.ErrorMessages, line)
			}
		}
	}

	return st
}

// isErrorLine matches lines with an error keyword and rsync's own
// diagnostics, which are prefixed with "rsync:" but do not always say
// "error".
func isErrorLine(lower string) bool {
	if strings.Contains(lower, "error") {
		return true
	}
	return strings.HasPrefix(lower, "rsync:") && !strings.Contains(lower, "warning")
}

// parseHumanNumber decodes "1,234", "12.5", and --human-readable values
// such as "1.23M" (units of 1000). Unparseable input yields 0.
func parseHumanNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	mult := 1.0
	switch s[len(s)-1] {
	case 'K':
		mult = 1e3
	case 'M':
		mult = 1e6
	case 'G':
		mult = 1e9
	case 'T':
		mult = 1e12
	case 'P':
		mult = 1e15
	}
	if mult != 1.0 {
		s = s[:len(s)-1]
	}

	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * mult
}
