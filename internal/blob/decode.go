// Package blob recovers plain message text from the attributedBody column of
// the Messages database.
//
// Newer versions of Messages leave the text column empty and store the body
// only as a serialized NSAttributedString. Depending on the OS release that is
// either an NSKeyedArchiver binary plist or the older NSArchiver
// "streamtyped" format. Neither is documented, so Decode tries a chain of
// independent strategies, from structure-aware to purely heuristic, and
// returns the first non-empty result.
package blob

import (
	"strings"
)

// strategy attempts to recover text from a blob. It returns ok=false when it
// has nothing to offer; it never reports an error.
type strategy struct {
	name string
	fn   func(b []byte) (string, bool)
}

var strategies = []strategy{
	{name: "keyed_archive", fn: decodeKeyedArchive},
	{name: "stream_typed", fn: decodeStreamTyped},
	{name: "printable_runs", fn: decodePrintableRuns},
}

// Decode returns the best-effort text carried by b. The result is either
// ok=false or a non-empty, whitespace-trimmed string. Decode never panics.
func Decode(b []byte) (string, bool) {
	text, _, ok := DecodeWith(b)
	return text, ok
}

// DecodeWith is Decode that also reports which strategy produced the text.
func DecodeWith(b []byte) (text, strategyName string, ok bool) {
	if len(b) == 0 {
		return "", "", false
	}
	for _, s := range strategies {
		if text, ok := run(s, b); ok {
			return text, s.name, true
		}
	}
	return "", "", false
}

// run invokes a single strategy, treating a panic as "no result".
func run(s strategy, b []byte) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			text, ok = "", false
		}
	}()
	text, ok = s.fn(b)
	if !ok {
		return "", false
	}
	text = strings.TrimSpace(text)
	return text, text != ""
}
