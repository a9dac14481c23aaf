// Package braceparse decodes the brace-delimited {KEY}{VALUE} payload
// format producers POST to the ingest endpoint. The framing is strict:
// a payload is a whitespace-separated sequence of key blocks and value
// blocks, where a value block may nest balanced braces. Malformed framing
// fails the whole payload so that truncated uploads are caught instead of
// silently dropping fields.
package braceparse

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// ErrorKind identifies the framing rule a payload violated.
type ErrorKind int

const (
	// ExpectedKeyOpen means a key's opening '{' was missing.
	ExpectedKeyOpen ErrorKind = iota
	// MissingKeyClose means a key's closing '}' was never found.
	MissingKeyClose
	// EndAfterKey means input ended between a key and its value.
	EndAfterKey
	// ExpectedValueOpen means a value's opening '{' was missing.
	ExpectedValueOpen
	// MissingValueClose means a value block was never closed.
	MissingValueClose
	// InvalidUTF8 means a key or value slice was not valid UTF-8.
	InvalidUTF8
)

// String returns a stable snake_case name, used as a metric label.
func (k ErrorKind) String() string {
	switch k {
	case ExpectedKeyOpen:
		return "expected_key_open"
	case MissingKeyClose:
		return "missing_key_close"
	case EndAfterKey:
		return "end_after_key"
	case ExpectedValueOpen:
		return "expected_value_open"
	case MissingValueClose:
		return "missing_value_close"
	case InvalidUTF8:
		return "invalid_utf8"
	default:
		return "unknown"
	}
}

// Error is a fatal framing failure. Offset is a byte index into the
// trimmed input; Key and Found are populated where known.
type Error struct {
	Kind   ErrorKind
	Offset int
	Key    string
	Found  byte
}

func (e *Error) Error() string {
	switch e.Kind {
	case ExpectedKeyOpen:
		return fmt.Sprintf("expected '{' at index %d, found %q", e.Offset, e.Found)
	case MissingKeyClose:
		return fmt.Sprintf("missing closing '}' for key starting at index %d", e.Offset)
	case EndAfterKey:
		return fmt.Sprintf("input ended prematurely after key %q", e.Key)
	case ExpectedValueOpen:
		return fmt.Sprintf("expected '{' for value of key %q at index %d, found %q", e.Key, e.Offset, e.Found)
	case MissingValueClose:
		return fmt.Sprintf("missing closing '}' for value of key %q starting at index %d", e.Key, e.Offset)
	case InvalidUTF8:
		return fmt.Sprintf("invalid UTF-8 at index %d", e.Offset)
	default:
		return fmt.Sprintf("parse error (kind %d)", int(e.Kind))
	}
}

// Parse decodes a payload into field name to value mappings. Values are
// int64, float64, or string per the coercion rules of interpretValue.
// A whitespace-only payload yields an empty, non-nil map.
//
// Empty keys are not fatal: the parser skips the value block that follows
// and resumes at the next key. Every other framing violation aborts the
// parse with an *Error and no partial result.
func Parse(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	fields := make(map[string]any)
	if trimmed == "" {
		return fields, nil
	}

	b := []byte(trimmed)
	i := 0
	for i < len(b) {
		i = skipSpace(b, i)
		if i >= len(b) {
			break
		}

		if b[i] != '{' {
			return nil, &Error{Kind: ExpectedKeyOpen, Offset: i, Found: b[i]}
		}
		keyOpen := i
		rel := bytes.IndexByte(b[keyOpen+1:], '}')
		if rel < 0 {
			return nil, &Error{Kind: MissingKeyClose, Offset: keyOpen}
		}
		keyClose := keyOpen + 1 + rel
		keySlice := b[keyOpen+1 : keyClose]
		if !utf8.Valid(keySlice) {
			return nil, &Error{Kind: InvalidUTF8, Offset: keyOpen + 1}
		}
		key := strings.TrimSpace(string(keySlice))

		i = skipSpace(b, keyClose+1)

		if key == "" {
			// Producers occasionally emit {}{...} runs. Skip the value
			// block and resume at the next key; if no balanced block
			// follows, keep what parsed so far.
			next, ok := skipBalanced(b, i)
			if !ok {
				log.Warn().
					Int("offset", keyOpen).
					Msg("empty key with no skippable value block, stopping parse")
				return fields, nil
			}
			log.Warn().
				Int("offset", keyOpen).
				Msg("skipped value block following empty key")
			i = next
			continue
		}

		if i >= len(b) {
			return nil, &Error{Kind: EndAfterKey, Key: key}
		}
		if b[i] != '{' {
			return nil, &Error{Kind: ExpectedValueOpen, Offset: i, Key: key, Found: b[i]}
		}
		valOpen := i
		valClose, ok := matchBrace(b, valOpen)
		if !ok {
			return nil, &Error{Kind: MissingValueClose, Offset: valOpen, Key: key}
		}
		inner := b[valOpen+1 : valClose]
		if !utf8.Valid(inner) {
			return nil, &Error{Kind: InvalidUTF8, Offset: valOpen + 1}
		}
		fields[key] = interpretValue(strings.TrimSpace(string(inner)))
		i = valClose + 1
	}
	return fields, nil
}

// interpretValue coerces the trimmed inner text of a value block.
// Commas are treated as digit separators for the numeric attempts only;
// text values keep them. Non-finite floats normalize to integer 0.
func interpretValue(inner string) any {
	if inner == "" {
		return ""
	}
	cleaned := strings.ReplaceAll(inner, ",", "")
	if n, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
		return n
	}
	// strconv would accept "1_0" and hex floats here; the producer
	// format has no such notion, so those stay text.
	if !strings.ContainsAny(cleaned, "_xX") {
		f, err := strconv.ParseFloat(cleaned, 64)
		if err == nil || errors.Is(err, strconv.ErrRange) {
			if math.IsInf(f, 0) || math.IsNaN(f) {
				log.Warn().
					Str("value", inner).
					Msg("non-finite numeric value normalized to 0")
				return int64(0)
			}
			return f
		}
	}
	return inner
}

func skipSpace(b []byte, i int) int {
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// matchBrace returns the index of the '}' matching the '{' at open,
// tracking nesting depth.
func matchBrace(b []byte, open int) (int, bool) {
	level := 1
	for j := open + 1; j < len(b); j++ {
		switch b[j] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return j, true
			}
		}
	}
	return 0, false
}

// skipBalanced returns the index just past the balanced block starting
// at i, or false if i does not sit on a complete block.
func skipBalanced(b []byte, i int) (int, bool) {
	if i >= len(b) || b[i] != '{' {
		return 0, false
	}
	end, ok := matchBrace(b, i)
	if !ok {
		return 0, false
	}
	return end + 1, true
}
