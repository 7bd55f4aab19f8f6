// Package ward holds the vocabulary shared by every in-patient component:
// the canonical room category enumeration, money helpers and the error
// taxonomy surfaced to the ward and billing desks.
package ward

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// RoomCategory is the single canonical representation of a bed's room class.
// Values are always stored and exchanged upper-case.
type RoomCategory string

const (
	RoomGeneral   RoomCategory = "GENERAL"
	RoomPrivate   RoomCategory = "PRIVATE"
	RoomICU       RoomCategory = "ICU"
	RoomEmergency RoomCategory = "EMERGENCY"
)

var roomCategories = []RoomCategory{RoomGeneral, RoomPrivate, RoomICU, RoomEmergency}

// RoomCategoryValues returns the accepted set as plain strings.
func RoomCategoryValues() []string {
	out := make([]string, len(roomCategories))
	for i, c := range roomCategories {
		out[i] = string(c)
	}
	return out
}

// ParseRoomCategory accepts any casing and surrounding whitespace and returns
// the canonical value. Anything outside the enumeration is a validation error.
func ParseRoomCategory(s string) (RoomCategory, error) {
	c := RoomCategory(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{
			Field:  "room_category",
			Reason: fmt.Sprintf("%q is not one of %s", s, strings.Join(RoomCategoryValues(), ", ")),
		}
	}
	return c, nil
}

func (c RoomCategory) Valid() bool {
	for _, k := range roomCategories {
		if c == k {
			return true
		}
	}
	return false
}

func (c RoomCategory) String() string { return string(c) }

func (c *RoomCategory) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return &ValidationError{Field: "room_category", Reason: "must be a string"}
	}
	if s == "" {
		*c = ""
		return nil
	}
	parsed, err := ParseRoomCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Scan rejects stored free text that drifted from the enumeration instead of
// passing it through to callers.
func (c *RoomCategory) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*c = ""
		return nil
	default:
		return fmt.Errorf("scan room category: unsupported type %T", src)
	}
	parsed, err := ParseRoomCategory(s)
	if err != nil {
		return fmt.Errorf("scan room category: %w", err)
	}
	*c = parsed
	return nil
}

func (c RoomCategory) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, &ValidationError{Field: "room_category", Reason: fmt.Sprintf("%q is not canonical", string(c))}
	}
	return string(c), nil
}
