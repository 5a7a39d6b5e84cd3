package gqlcache

import (
	"encoding/json"
)

const (
	RootQueryID        = "ROOT_QUERY"
	RootMutationID     = "ROOT_MUTATION"
	RootSubscriptionID = "ROOT_SUBSCRIPTION"

	typenameField = "__typename"
	refField      = "__ref"
)

// StoreObject is a single normalized record, or an object stored inline in one.
// Keys are store field names (see cachekey.StoreFieldName), values are
// scalars, lists, References or nested StoreObjects.
type StoreObject map[string]any

// Typename returns the __typename of the object, if known.
func (o StoreObject) Typename() string {
	typename, _ := o[typenameField].(string)
	return typename
}

// Reference points at another normalized record.
type Reference struct {
	Ref string
}

// MarshalJSON encodes a reference the way it appears in cache snapshots.
func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{refField: r.Ref})
}

// IsReference reports whether v is a Reference.
func IsReference(v any) bool {
	_, ok := v.(Reference)
	return ok
}

// AsObject returns v as a StoreObject if it is an object of any kind.
func AsObject(v any) (StoreObject, bool) {
	switch o := v.(type) {
	case StoreObject:
		return o, true
	case map[string]any:
		return StoreObject(o), true
	}
	return nil, false
}

// reviveValue turns decoded JSON back into store values:
// `{"__ref": id}` objects become References, other objects StoreObjects.
func reviveValue(v any) any {
	switch val := v.(type) {
	case StoreObject:
		return reviveValue(map[string]any(val))
	case map[string]any:
		if ref, ok := val[refField].(string); ok && len(val) == 1 {
			return Reference{Ref: ref}
		}
		obj := make(StoreObject, len(val))
		for k, fv := range val {
			obj[k] = reviveValue(fv)
		}
		return obj
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = reviveValue(item)
		}
		return list
	}
	return v
}

// copyValue deep copies store values so that callers never share maps with the store.
func copyValue(v any) any {
	switch val := v.(type) {
	case StoreObject:
		obj := make(StoreObject, len(val))
		for k, fv := range val {
			obj[k] = copyValue(fv)
		}
		return obj
	case map[string]any:
		return copyValue(StoreObject(val))
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = copyValue(item)
		}
		return list
	}
	return v
}
