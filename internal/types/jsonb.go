package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*EventList)(nil)
	_ driver.Valuer = EventList(nil)
	_ sql.Scanner   = (*StringMap)(nil)
	_ driver.Valuer = StringMap(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer.
// It handles nil values, []byte, and string representations from different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (el *EventList) Scan(value any) error {
	if value == nil {
		*el = nil
		return nil
	}
	return scanJSONB(el, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (el EventList) Value() (driver.Value, error) {
	if el == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Event(el))
}

// StringMap is a JSONB object of string values (case properties, indices).
type StringMap map[string]string

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}
