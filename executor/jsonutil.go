package executor

import (
	"encoding/json"
	"strings"
)

// firstJSONArray returns the first JSON array in a model reply.
func firstJSONArray(reply string) string { return firstJSON(reply, '[') }

// firstJSONObject returns the first JSON object in a model reply.
func firstJSONObject(reply string) string { return firstJSON(reply, '{') }

// firstJSON returns the first valid JSON value opened by open. Fenced code
// blocks are searched before the reply as a whole. Line comments and
// trailing commas are dropped before parsing.
func firstJSON(reply string, open byte) string {
	for _, part := range fencedBlocks(reply) {
		text := dropTrailingCommas(dropLineComments(part))
		for i := 0; i < len(text); i++ {
			if text[i] != open {
				continue
			}
			if span, ok := balancedSpan(text[i:]); ok && json.Valid([]byte(span)) {
				return span
			}
		}
	}
	return ""
}

// fencedBlocks lists the bodies of ``` blocks followed by the full reply.
// A language tag on the opening fence line is removed.
func fencedBlocks(reply string) []string {
	var blocks []string
	rest := reply
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		end := strings.Index(body, "```")
		if end < 0 {
			break
		}
		block := body[:end]
		if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.ContainsAny(block[:nl], "[{") {
			block = block[nl+1:]
		}
		blocks = append(blocks, block)
		rest = body[end+3:]
	}
	return append(blocks, reply)
}

// balancedSpan returns the prefix of s up to the bracket that closes s[0].
func balancedSpan(s string) (string, bool) {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// dropLineComments removes // comments outside string values.
func dropLineComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		if ch == '/' && i+1 < len(s) && s[i+1] == '/' {
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				break
			}
			i += nl - 1
			continue
		}
		if ch == '"' {
			inString = true
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// dropTrailingCommas removes commas that directly precede a closing
// bracket, ignoring whitespace between them.
func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue
			}
		}
		if ch == '"' {
			inString = true
		}
		b.WriteByte(ch)
	}
	return b.String()
}
