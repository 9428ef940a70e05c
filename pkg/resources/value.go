package resources

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value serializes the slot set to its canonical JSON form for JSONB
// columns.
func (s Slots) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// Scan parses a JSONB column back into a slot set.
func (s *Slots) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = Slots{}
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into resources.Slots", src)
	}
}
