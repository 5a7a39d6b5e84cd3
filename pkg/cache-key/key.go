package cachekey

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	typenameSeparator = ":"
	argsOpen          = "("
	argsClose         = ")"
)

// KeyField is one named component of an entity key.
// Order matters: keys built from the same fields in a different order differ.
type KeyField struct {
	Name  string
	Value any
}

// EntityKey returns the identity of an entity keyed by specific fields,
// e.g. `Token:{"chain":"ETHEREUM","address":"0xabc"}`.
// Field order is kept as given.
func EntityKey(typename string, fields []KeyField) string {
	var b strings.Builder
	b.WriteString(typename)
	b.WriteString(typenameSeparator)
	b.WriteString("{")
	for i, f := range fields {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(jsonString(f.Name))
		b.WriteString(":")
		b.WriteString(jsonString(f.Value))
	}
	b.WriteString("}")
	return b.String()
}

// DefaultKey returns the identity of an entity keyed by its `id` (or `_id`) field,
// e.g. `NftAsset:42`. Strings and numbers are written as is, anything else as JSON.
func DefaultKey(typename string, id any) string {
	switch v := id.(type) {
	case string:
		return typename + typenameSeparator + v
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return fmt.Sprintf("%s%s%v", typename, typenameSeparator, v)
	default:
		return typename + typenameSeparator + jsonString(v)
	}
}

// StoreFieldName returns the name a field is stored under inside its parent record.
// If keyArgs is nil, all arguments are part of the name.
// If keyArgs is empty (but not nil), no arguments are.
// Otherwise only the listed arguments are, and only when present.
// Argument values are JSON encoded with sorted object keys,
// so that equal filter objects produce equal names.
func StoreFieldName(fieldName string, args map[string]any, keyArgs []string) string {
	selected := make(map[string]any)
	if keyArgs == nil {
		for name, value := range args {
			selected[name] = value
		}
	} else {
		for _, name := range keyArgs {
			if value, ok := args[name]; ok {
				selected[name] = value
			}
		}
	}
	if len(selected) == 0 {
		return fieldName
	}
	return fieldName + argsOpen + jsonString(selected) + argsClose
}

// FieldNameFromStoreName strips the argument part of a store field name.
func FieldNameFromStoreName(storeFieldName string) string {
	name, _, _ := strings.Cut(storeFieldName, argsOpen)
	return name
}

// jsonString encodes v as JSON. Values that cannot be encoded
// (channels, functions) are written as null.
func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
