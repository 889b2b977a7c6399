package blob

import (
	"strings"
)

// Runs containing any of these are serializer noise, not message text.
var noiseMarkers = []string{
	"NSString",
	"NSObject",
	"NSMutable",
	"NSDictionary",
	"NSAttributed",
	"NSNumber",
	"NSValue",
	"streamtyped",
	"bplist",
	"__kIM",
}

const (
	minRunLength  = 3
	minTextLength = 2
)

// decodePrintableRuns is the last resort: it returns the longest run of
// printable ASCII that does not look like serializer metadata. Any byte outside
// 0x20..0x7E, including every byte of a multi-byte UTF-8 sequence, ends a run.
func decodePrintableRuns(b []byte) (string, bool) {
	var best string
	runStart := -1

	consider := func(run string) {
		if len(run) < minRunLength || isNoise(run) {
			return
		}
		cleaned := strings.TrimSpace(strings.Trim(run, "+"))
		if len(cleaned) >= minTextLength && len(cleaned) > len(best) {
			best = cleaned
		}
	}

	for i, c := range b {
		if c >= 0x20 && c <= 0x7e {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		if runStart >= 0 {
			consider(string(b[runStart:i]))
			runStart = -1
		}
	}
	if runStart >= 0 {
		consider(string(b[runStart:]))
	}

	return best, best != ""
}

func isNoise(run string) bool {
	for _, m := range noiseMarkers {
		if strings.Contains(run, m) {
			return true
		}
	}
	return false
}
