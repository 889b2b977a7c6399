package blob

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

var streamMarkers = [][]byte{
	[]byte("NSString"),
	[]byte("NSMutableString"),
}

const (
	// plusWindow bounds how far past a class marker the '+' string tag may sit.
	plusWindow = 20

	// Multi-byte length prefixes used by typedstream for strings over 127 bytes.
	len16Prefix = 0x81
	len32Prefix = 0x82
)

// decodeStreamTyped handles the legacy NSArchiver layout:
//
//	... NSString <class bytes> '+' <length> <utf-8 text> 0x86 0x84 ...
func decodeStreamTyped(b []byte) (string, bool) {
	for _, marker := range streamMarkers {
		idx := bytes.Index(b, marker)
		if idx < 0 {
			continue
		}
		if text, ok := textAfterMarker(b, idx+len(marker)); ok {
			return text, true
		}
	}
	return "", false
}

func textAfterMarker(b []byte, from int) (string, bool) {
	end := min(from+plusWindow, len(b))
	plus := bytes.IndexByte(b[from:end], '+')
	if plus < 0 {
		return "", false
	}
	plus += from

	start := plus + 2
	if plus+1 < len(b) {
		switch b[plus+1] {
		case len16Prefix:
			start += 2
		case len32Prefix:
			start += 4
		}
	}
	if start >= len(b) {
		return "", false
	}
	return decodeText(untilTerminator(b[start:]))
}

// untilTerminator cuts the text at the first byte sequence that follows a
// string in typedstream output.
func untilTerminator(b []byte) []byte {
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case 0x86, 0x84, 0x00:
			return b[:i]
		case 'i':
			if i+1 < len(b) && (b[i+1] == 'I' || b[i+1] == 'N') {
				return b[:i]
			}
		}
	}
	return b
}

func decodeText(b []byte) (string, bool) {
	s := string(b)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return nonEmpty(s)
}
