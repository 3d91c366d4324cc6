package httpclient

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Extractor pulls a human-readable message out of an error body. It
// reports false when its shape does not apply.
type Extractor func(body []byte) (string, bool)

// StringBody matches a body that is a bare JSON string.
func StringBody(body []byte) (string, bool) {
	res := gjson.ParseBytes(body)
	if res.Type != gjson.String {
		return "", false
	}

	return res.Str, true
}

// Field matches a body whose top-level field is set to a truthy value.
// Non-string values (validation error lists, nested objects) are returned
// as raw JSON.
func Field(name string) Extractor {
	return func(body []byte) (string, bool) {
		res := gjson.GetBytes(body, gjson.Escape(name))
		if !res.Exists() {
			return "", false
		}

		switch res.Type {
		case gjson.Null, gjson.False:
			return "", false
		case gjson.String:
			return res.Str, res.Str != ""
		case gjson.Number:
			return res.Raw, res.Num != 0
		default:
			return res.Raw, true
		}
	}
}

// WholeBody stringifies the entire JSON document. It is the last resort.
func WholeBody(body []byte) (string, bool) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return "", false
	}

	return buf.String(), buf.Len() > 0
}

// Extractors returns the ordered strategy list: bare string, each named
// field in order, then the whole body.
func Extractors(fields ...string) []Extractor {
	out := make([]Extractor, 0, len(fields)+2)
	out = append(out, StringBody)

	for _, f := range fields {
		out = append(out, Field(f))
	}

	return append(out, WholeBody)
}

// ExtractMessage runs the extractors in order and returns the first match.
func ExtractMessage(body []byte, extractors ...Extractor) string {
	for _, ex := range extractors {
		if msg, ok := ex(body); ok {
			return msg
		}
	}

	return ""
}

// ErrorMessage describes a failed response. Empty bodies fall back to
// "HTTP <code>: <reason>", non-JSON bodies are returned sanitized, JSON
// bodies go through the field strategies.
func ErrorMessage(resp *Response, fields ...string) string {
	fallback := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.StatusText())

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return fallback
	}

	if !gjson.ValidBytes(body) {
		return SanitizeBody(body)
	}

	if msg := ExtractMessage(body, Extractors(fields...)...); msg != "" {
		return msg
	}

	return fallback
}
