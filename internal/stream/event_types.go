package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

const dataPrefix = "data: "

// ParsedEvent is a decoded upstream line that carries a response value.
type ParsedEvent struct {
	// Response is the compact JSON encoding of the line's "response" field.
	Response json.RawMessage
}

// Text returns the response as a string when it is a JSON string, and its raw
// JSON text otherwise.
func (e ParsedEvent) Text() string {
	var s string
	if err := json.Unmarshal(e.Response, &s); err == nil {
		return s
	}
	return string(e.Response)
}

// Encode renders the event as a single SSE frame:
//
//	data: {"response":<value>}\n\n
func (e ParsedEvent) Encode() []byte {
	buf := make([]byte, 0, len(dataPrefix)+len(e.Response)+16)
	buf = append(buf, dataPrefix...)
	buf = append(buf, `{"response":`...)
	buf = append(buf, e.Response...)
	buf = append(buf, "}\n\n"...)
	return buf
}

// normalizeValue compacts a raw JSON value. Strings are re-encoded so the
// output carries literal UTF-8 rather than whatever escapes upstream used.
func normalizeValue(raw json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(s); err != nil {
			return nil, err
		}
		return bytes.TrimRight(buf.Bytes(), "\n"), nil
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truthy mirrors JavaScript truthiness for a decoded JSON value: null, false,
// 0 and "" are falsy, everything else (including empty objects and arrays) is
// truthy.
func truthy(raw json.RawMessage) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}

	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case json.Number:
		f, err := x.Float64()
		// Out-of-range literals overflow to ±Inf, which is truthy.
		return err != nil || f != 0
	default:
		return true
	}
}

// isDoneSentinel reports whether payload is the provider's end-of-stream
// marker rather than a JSON document.
func isDoneSentinel(payload string) bool {
	return strings.EqualFold(payload, "[DONE]")
}
