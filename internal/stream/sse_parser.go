package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// lineBuffer holds bytes across chunks so that lines split by the transport
// are only handed out once their terminating newline has arrived.
type lineBuffer struct {
	buffer []byte
}

// push appends chunk and returns every complete line, without the newline.
// The trailing fragment (possibly empty) stays buffered for the next chunk.
func (b *lineBuffer) push(chunk []byte) []string {
	b.buffer = append(b.buffer, chunk...)
	var lines []string

	for {
		idx := bytes.IndexByte(b.buffer, '\n')
		if idx == -1 {
			break
		}
		// '\n' never occurs inside a multi-byte UTF-8 sequence, so only
		// complete lines are decoded.
		lines = append(lines, strings.ToValidUTF8(string(b.buffer[:idx]), "\uFFFD"))
		b.buffer = b.buffer[idx+1:]
	}

	if len(b.buffer) == 0 {
		b.buffer = nil
	}
	return lines
}

// pending returns the number of bytes waiting for a newline.
func (b *lineBuffer) pending() int {
	return len(b.buffer)
}

// A lineStrategy extracts the JSON payload from a trimmed line. matched is
// false when the strategy does not recognise the line's framing.
type lineStrategy func(line string) (payload string, matched bool)

// ssePayload handles lines framed as SSE data fields.
func ssePayload(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// barePayload treats the whole line as a JSON document.
func barePayload(line string) (string, bool) {
	return line, true
}

var lineStrategies = []lineStrategy{ssePayload, barePayload}

// ParseLine applies the line policy to a single upstream line. ok is true only
// when the line decoded to an object with a truthy "response" field. A non-nil
// error means the payload was not valid JSON; callers skip such lines.
func ParseLine(line string) (ev ParsedEvent, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return ParsedEvent{}, false, nil
	}

	for _, strategy := range lineStrategies {
		payload, matched := strategy(line)
		if !matched {
			continue
		}
		if payload == "" || isDoneSentinel(payload) {
			return ParsedEvent{}, false, nil
		}
		return decodeEvent(payload)
	}
	return ParsedEvent{}, false, nil
}

func decodeEvent(payload string) (ParsedEvent, bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Valid JSON that is not an object has no response field.
			return ParsedEvent{}, false, nil
		}
		return ParsedEvent{}, false, fmt.Errorf("decode stream line: %w", err)
	}

	raw, found := fields["response"]
	if !found || !truthy(raw) {
		return ParsedEvent{}, false, nil
	}

	value, err := normalizeValue(raw)
	if err != nil {
		return ParsedEvent{}, false, fmt.Errorf("encode response value: %w", err)
	}
	return ParsedEvent{Response: value}, true, nil
}
