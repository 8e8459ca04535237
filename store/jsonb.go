package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// jsonMap adapts map[string]interface{} to database/sql's Scanner/Valuer
// so sqlx can read and write JSONB columns directly into domain maps.
type jsonMap map[string]interface{}

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(m))
}

func (m *jsonMap) Scan(src interface{}) error {
	if src == nil {
		*m = jsonMap{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("jsonMap: unsupported scan type %T", src)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// jsonStrings adapts []string to a JSONB column.
type jsonStrings []string

func (s jsonStrings) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

func (s *jsonStrings) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("jsonStrings: unsupported scan type %T", src)
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*s = out
	return nil
}
