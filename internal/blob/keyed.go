package blob

import (
	"bytes"
	"sort"
	"strings"
	"unicode/utf8"

	"howett.net/plist"
)

var bplistMagic = []byte("bplist")

// Class names and archiver bookkeeping that appear as plain strings in the
// $objects table.
var archivePrefixes = []string{"NS", "$", "__kIM"}

func isArchiveMetadata(s string) bool {
	for _, p := range archivePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// decodeKeyedArchive parses an NSKeyedArchiver property list. The plist
// header is not always at offset zero, so parsing starts at the first magic.
func decodeKeyedArchive(b []byte) (string, bool) {
	start := bytes.Index(b, bplistMagic)
	if start < 0 {
		return "", false
	}

	var root any
	if _, err := plist.Unmarshal(b[start:], &root); err != nil {
		return "", false
	}
	dict, ok := root.(map[string]any)
	if !ok {
		return "", false
	}

	if objects, ok := dict["$objects"].([]any); ok {
		for _, obj := range objects {
			if text, ok := objectText(obj); ok {
				return text, true
			}
		}
	}

	// Not an archive we understand: take any readable top-level value.
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s, ok := dict[k].(string)
		if !ok || strings.HasPrefix(s, "NS") {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}

// objectText extracts a text candidate from a single $objects entry.
func objectText(obj any) (string, bool) {
	switch v := obj.(type) {
	case string:
		if isArchiveMetadata(v) {
			return "", false
		}
		return nonEmpty(v)
	case map[string]any:
		if s, ok := v["NS.string"].(string); ok {
			if text, ok := nonEmpty(s); ok {
				return text, true
			}
		}
		if data, ok := v["NS.bytes"].([]byte); ok && utf8.Valid(data) {
			return nonEmpty(string(data))
		}
	}
	return "", false
}

func nonEmpty(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}
