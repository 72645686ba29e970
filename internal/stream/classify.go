package stream

import "strings"

// ErrorCategory groups transcoder stderr errors for telemetry
type ErrorCategory int

const (
	// CategoryNetwork covers connection, timeout and DNS failures
	CategoryNetwork ErrorCategory = iota
	// CategoryCodec covers decode and format failures
	CategoryCodec
	// CategoryAuth covers rejected credentials
	CategoryAuth
	CategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryCodec:
		return "codec"
	case CategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden", "authentication", "credentials", "password",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "invalid data", "h264", "h265", "hevc", "pps", "sps",
		"non-existing", "missing picture", "no frame",
	}
	networkKeywords = []string{
		"connection", "timeout", "timed out", "unreachable", "network", "resolve", "socket",
		"broken pipe", "end of file", "i/o error", "could not connect", "failed to connect",
	}
)

// Classify categorizes an ffmpeg stderr line. Auth is checked first as it is the
// most specific, then codec, then network.
func Classify(line string) ErrorCategory {
	msg := strings.ToLower(line)

	switch {
	case containsAny(msg, authKeywords):
		return CategoryAuth
	case containsAny(msg, codecKeywords):
		return CategoryCodec
	case containsAny(msg, networkKeywords):
		return CategoryNetwork
	default:
		return CategoryUnknown
	}
}

// isErrorLine reports whether ffmpeg flagged the line as an error
func isErrorLine(line string) bool {
	return strings.Contains(line, "error") || strings.Contains(line, "Error")
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
