// Package stream turns a chunked HTTP response body containing framed
// JSON objects into an ordered sequence of structured events.
package stream

import (
	"encoding/json"
	"strings"
)

// Extract repeatedly locates syntactically complete top-level JSON
// objects in buf and returns them along with the unconsumed remainder.
// Non-JSON noise between objects is skipped. A candidate that balances
// its braces but fails to parse is assumed incomplete, not corrupt:
// extraction stops there and the tail is returned for retry once more
// bytes arrive.
func Extract(buf string) (frames []json.RawMessage, remainder string) {
	pos := 0
	for {
		start := strings.IndexByte(buf[pos:], '{')
		if start < 0 {
			if len(frames) == 0 {
				return nil, buf
			}
			return frames, buf[pos:]
		}
		start += pos

		end := matchObject(buf, start)
		if end < 0 {
			// No matching close brace yet — awaiting more bytes.
			return frames, buf[start:]
		}

		candidate := buf[start:end]
		if !json.Valid([]byte(candidate)) {
			// Balanced but unparsable; retried when the buffer grows.
			return frames, buf[start:]
		}
		frames = append(frames, json.RawMessage(candidate))
		pos = end
	}
}

// matchObject walks buf from the opening brace at start, tracking
// whether the scanner is inside a quoted string (with backslash-escape
// lookahead) and the brace depth outside strings. Returns the index
// one past the matching close brace, or -1 if the object is incomplete.
// Structural characters are ASCII, so byte-wise scanning is safe for
// multi-byte UTF-8 content.
func matchObject(buf string, start int) int {
	depth := 0
	inStr := false
	for i := start; i < len(buf); i++ {
		ch := buf[i]
		if inStr {
			if ch == '\\' {
				i++ // consume the escaped character without re-evaluating it
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
