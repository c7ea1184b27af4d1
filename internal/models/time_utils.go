package models

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// RFC3339Milli matches JavaScript's Date.prototype.toISOString output.
const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// JSONTime is the timestamp form used in real-time event payloads. It encodes as an
// ISO string with millisecond precision and decodes ISO strings or epoch milliseconds.
type JSONTime time.Time

func (jt JSONTime) MarshalJSON() ([]byte, error) {
	if time.Time(jt).IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(time.Time(jt).UTC().Format(RFC3339Milli))), nil
}

func (jt *JSONTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		*jt = JSONTime(time.Time{})
		return nil
	}

	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("JSONTime: invalid epoch milliseconds %s: %w", b, err)
		}
		*jt = JSONTime(time.UnixMilli(ms).UTC())
		return nil
	}

	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("JSONTime: invalid string %s: %w", b, err)
	}
	for _, layout := range []string{time.RFC3339Nano, RFC3339Milli, time.RFC3339} {
		var t time.Time
		t, err = time.Parse(layout, s)
		if err == nil {
			*jt = JSONTime(t)
			return nil
		}
	}
	return fmt.Errorf("JSONTime: failed to parse %q: %w", s, err)
}

func (jt JSONTime) Time() time.Time {
	return time.Time(jt)
}

func (jt JSONTime) IsZero() bool {
	return time.Time(jt).IsZero()
}
