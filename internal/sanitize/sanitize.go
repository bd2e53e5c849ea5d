// Package sanitize recovers the JSON object a statement parser printed from
// output that may also contain log lines and banners.
package sanitize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrEmptyOutput means the parser printed nothing but whitespace.
	ErrEmptyOutput = errors.New("parser output is empty")
	// ErrInvalidOutput means no JSON object could be recovered from the output.
	ErrInvalidOutput = errors.New("invalid parser output")
)

// Mode selects the extraction heuristic.
type Mode string

const (
	// Relaxed parses the span from the first '{' to the last '}'.
	// A '{' or '}' in the surrounding noise, or a second object, defeats it.
	Relaxed Mode = "relaxed"
	// Strict parses the last complete object that is followed only by whitespace.
	Strict Mode = "strict"
)

// ParseMode maps a config value to a Mode. The empty string means Relaxed.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Relaxed:
		return Relaxed, nil
	case Strict:
		return Strict, nil
	default:
		return "", fmt.Errorf("unknown parser output mode %q (want relaxed or strict)", s)
	}
}

// Document is a decoded parser result. Numbers are kept as json.Number.
type Document map[string]any

// Extract returns the JSON object embedded in out.
func Extract(out []byte, mode Mode) (Document, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, ErrEmptyOutput
	}

	if mode == Strict {
		return extractTerminal(trimmed)
	}
	return extractOutermost(trimmed)
}

func extractOutermost(out []byte) (Document, error) {
	start := bytes.IndexByte(out, '{')
	end := bytes.LastIndexByte(out, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidOutput)
	}

	doc, err := decodeObject(out[start : end+1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return doc, nil
}

// extractTerminal tries every '{' from left to right and keeps the first
// object whose decoding consumes the rest of the output.
func extractTerminal(out []byte) (Document, error) {
	var lastErr error
	for i := 0; i < len(out); i++ {
		if out[i] != '{' {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(out[i:]))
		dec.UseNumber()
		var doc Document
		if err := dec.Decode(&doc); err != nil {
			lastErr = err
			continue
		}
		if len(bytes.TrimSpace(out[i+int(dec.InputOffset()):])) != 0 {
			lastErr = errors.New("trailing text after JSON object")
			continue
		}
		if doc == nil {
			doc = Document{}
		}
		return doc, nil
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidOutput)
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, lastErr)
}

func decodeObject(span []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(span))
	dec.UseNumber()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// String returns the value at key when it is a non-empty string.
func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
