package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB holds free-form extracted attributes. It maps to jsonb on postgres
// and to a text/blob column on sqlite.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}

// String returns the value stored under key, or "" when absent or not a string.
func (j JSONB) String(key string) string {
	if j == nil {
		return ""
	}
	s, _ := j[key].(string)
	return s
}
