package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/steptrace/internal/trace"
)

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders t in UTC with the storage layout.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr renders an optional timestamp.
func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseTimePtr parses an optional stored timestamp.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON converts an optional document to canonical JSON TEXT.
// Absent documents become SQL NULL.
func marshalJSON(field string, j trace.JSON) (sql.NullString, error) {
	text, ok, err := j.Canonical()
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal %s: %w", field, err)
	}
	return sql.NullString{String: text, Valid: ok}, nil
}

// unmarshalJSON parses a stored JSON column. NULL yields an absent document.
func unmarshalJSON(field string, ns sql.NullString) (trace.JSON, error) {
	if !ns.Valid {
		return trace.JSON{}, nil
	}
	v, err := trace.ParseValue([]byte(ns.String))
	if err != nil {
		return trace.JSON{}, fmt.Errorf("unmarshal %s: %w", field, err)
	}
	return trace.NewJSON(v), nil
}

// marshalStruct renders a Go value as canonical JSON TEXT.
// Used for the capture policy snapshot and the histogram.
func marshalStruct(field string, v any) (string, error) {
	val, err := trace.FromAny(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", field, err)
	}
	data, err := trace.MarshalCanonical(val)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", field, err)
	}
	return string(data), nil
}

// unmarshalStruct parses canonical JSON TEXT into v.
func unmarshalStruct(field, data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", field, err)
	}
	return nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullInt64 maps an optional int64 to SQL NULL.
func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// nullInt maps an optional int to SQL NULL.
func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// nullFloat maps an optional float to SQL NULL.
func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

// int64Ptr converts a nullable column to an optional int64.
func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// intPtr converts a nullable column to an optional int.
func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

// floatPtr converts a nullable column to an optional float.
func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
