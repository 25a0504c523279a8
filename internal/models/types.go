package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
)

// Names holds a translated label per language code (eng-GB, fre-FR, ...).
type Names map[string]string

// Lookup returns the name for the first language that has one, falling back
// to the first name in language code order.
func (n Names) Lookup(languages ...string) string {
	for _, lang := range languages {
		if v := n[lang]; v != "" {
			return v
		}
	}
	keys := make([]string, 0, len(n))
	for k := range n {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if n[k] != "" {
			return n[k]
		}
	}
	return ""
}

func (n Names) Value() (driver.Value, error) {
	if n == nil {
		return "{}", nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (n *Names) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil {
		return err
	}
	*n = Names{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, n)
}

// IntSet is a schedule array such as hours of day or months of year.
type IntSet []int

func (s IntSet) Contains(v int) bool {
	return slices.Contains(s, v)
}

func (s IntSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *IntSet) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil {
		return err
	}
	*s = IntSet{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, (*[]int)(s))
}

func scanBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T for JSON column", src)
	}
}
