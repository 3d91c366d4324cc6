package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type timestampKind uint8

const (
	timestampNull timestampKind = iota
	timestampNumber
	timestampText
)

// Timestamp holds a loosely typed time value as the key service returns
// it: Unix seconds or milliseconds, a date string, or null. The zero
// value is null.
type Timestamp struct {
	kind timestampKind
	num  float64
	text string
}

// NullTimestamp returns the null timestamp.
func NullTimestamp() Timestamp { return Timestamp{} }

// UnixTimestamp returns a numeric timestamp holding v as given (seconds,
// milliseconds or a sentinel such as -1).
func UnixTimestamp(v int64) Timestamp {
	return Timestamp{kind: timestampNumber, num: float64(v)}
}

// TextTimestamp returns a timestamp holding an unparsed date string.
func TextTimestamp(s string) Timestamp {
	return Timestamp{kind: timestampText, text: s}
}

// IsNull reports whether the value is null or absent.
func (t Timestamp) IsNull() bool { return t.kind == timestampNull }

// Number returns the numeric value, if the timestamp is numeric.
func (t Timestamp) Number() (float64, bool) {
	return t.num, t.kind == timestampNumber
}

// Text returns the string value, if the timestamp is a string.
func (t Timestamp) Text() (string, bool) {
	return t.text, t.kind == timestampText
}

// Int64 returns the numeric value truncated to an integer. Null and
// string timestamps report false.
func (t Timestamp) Int64() (int64, bool) {
	if t.kind != timestampNumber {
		return 0, false
	}

	return int64(t.num), true
}

// UnmarshalJSON accepts null, numbers and strings.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*t = Timestamp{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding timestamp string: %w", err)
		}

		*t = TextTimestamp(s)
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("decoding timestamp %q: %w", data, err)
		}

		*t = Timestamp{kind: timestampNumber, num: f}
	}

	return nil
}

// MarshalJSON writes the value back in the form it was received.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case timestampNumber:
		return []byte(strconv.FormatFloat(t.num, 'f', -1, 64)), nil
	case timestampText:
		return json.Marshal(t.text)
	default:
		return []byte("null"), nil
	}
}

// LooseString decodes a JSON string, number or null into a string.
// Project identifiers arrive in either form depending on the backend.
type LooseString string

func (l *LooseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*l = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decoding string: %w", err)
		}

		*l = LooseString(s)
	default:
		if _, err := strconv.ParseFloat(string(data), 64); err != nil {
			return fmt.Errorf("decoding %q: expected string or number", data)
		}

		*l = LooseString(data)
	}

	return nil
}

// KeyRecord is one row of the key store table. APIKey is both the secret
// and the row identifier.
type KeyRecord struct {
	UserID      string      `json:"user_id,omitempty"`
	ProjectName string      `json:"Project_Name"`
	APIKey      string      `json:"User_API_Key"`
	ProjectID   LooseString `json:"Project_Id"`
	ExpiresAt   Timestamp   `json:"Expires_At"`
	CreatedAt   Timestamp   `json:"Created_At"`
	LastUsed    Timestamp   `json:"Last_Used"`
}

// ChangeType is the kind of a server-pushed key table change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// KeyChange is a row change pushed by the realtime feed. For deletes only
// OldRecord is populated.
type KeyChange struct {
	Type      ChangeType
	Record    KeyRecord
	OldRecord KeyRecord
}

// KeyView is a key as presented to users. Ref is an opaque handle that
// stands in for the identifier, Masked is the display-safe form. Secret
// is only ever set on the value returned from a create call.
type KeyView struct {
	Ref       string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Masked    string `json:"prefix" yaml:"prefix"`
	Secret    string `json:"full_key,omitempty" yaml:"full_key,omitempty"`
	ExpiresAt string `json:"expires_at" yaml:"expires_at"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
	LastUsed  string `json:"last_used" yaml:"last_used"`
}

// KeyListing is the last successfully loaded key list of a user, kept so
// a later failed load can still show something.
type KeyListing struct {
	UserID  string    `json:"user_id"`
	SavedAt int64     `json:"saved_at"`
	Keys    []KeyView `json:"keys"`
}
