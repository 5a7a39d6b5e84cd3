package gqlcache

import (
	cachekey "github.com/always-cache/gqlcache/pkg/cache-key"
)

// NoKeyArgs makes a field ignore all of its arguments when computing its store name.
// Use it for fields whose arguments are handled by a merge function (e.g. pagination).
var NoKeyArgs = []string{}

// TypePolicies maps a typename to its policy.
type TypePolicies map[string]TypePolicy

// TypePolicy declares non-default identity and field behaviour for one type.
type TypePolicy struct {
	// Fields making up the identity of the type, in order.
	// If empty, objects are identified by `id` or `_id`.
	// Objects missing any of these fields are not identifiable and are stored inline.
	KeyFields []string
	// Optional canonicalization of key field values before building the key.
	KeyTransform func(field string, value any) any
	// Per-field policies, by field name (not store field name).
	Fields map[string]FieldPolicy
}

// FieldPolicy declares how one field is stored and read.
type FieldPolicy struct {
	// Arguments that are part of the store field name.
	// nil means all arguments, NoKeyArgs means none.
	KeyArgs []string
	// Read is called whenever the field is read, whether or not it is stored.
	Read FieldReadFunc
	// Merge is called whenever the field is written, with the currently stored value.
	Merge FieldMergeFunc
}

// FieldReadFunc computes the value of a field on read.
// existing is the stored value (nil if the field is not stored, see opts.Exists).
// Returning false marks the field as missing, making the read incomplete.
type FieldReadFunc func(existing any, opts FieldFunctionOptions) (any, bool)

// FieldMergeFunc combines the stored value (nil if absent) with an incoming value.
// The incoming value is already normalized: entities are References.
type FieldMergeFunc func(existing, incoming any, opts FieldFunctionOptions) any

// FieldFunctionOptions gives read and merge functions access to the field context.
// The cache is locked while they run, so they must not call InMemoryCache methods;
// the helpers below are safe to use.
type FieldFunctionOptions struct {
	FieldName      string
	StoreFieldName string
	// Arguments of the field invocation, variables resolved.
	Args      map[string]any
	Variables map[string]any
	// Whether the field is present in the store (read functions only).
	Exists bool

	cache *InMemoryCache
}

// ToReference identifies obj and returns a reference to it.
// It does not check that the referenced record exists; use CanRead for that.
func (o FieldFunctionOptions) ToReference(obj StoreObject) (Reference, bool) {
	id, ok := o.cache.identify(obj)
	if !ok {
		return Reference{}, false
	}
	return Reference{Ref: id}, true
}

// CanRead reports whether v can be read: objects always can,
// references only if the referenced record exists.
func (o FieldFunctionOptions) CanRead(v any) bool {
	if ref, ok := v.(Reference); ok {
		if o.cache == nil {
			return false
		}
		_, exists := o.cache.data[ref.Ref]
		return exists
	}
	_, ok := AsObject(v)
	return ok
}

// IsReference reports whether v is a Reference.
func (o FieldFunctionOptions) IsReference(v any) bool {
	return IsReference(v)
}

// ReadField returns the stored value of an argument-less field of a record or inline object.
func (o FieldFunctionOptions) ReadField(fieldName string, from any) any {
	var obj StoreObject
	if ref, ok := from.(Reference); ok {
		if o.cache != nil {
			obj = o.cache.data[ref.Ref]
		}
	} else {
		obj, _ = AsObject(from)
	}
	if obj == nil {
		return nil
	}
	return obj[fieldName]
}

func (c *InMemoryCache) fieldPolicy(typename, fieldName string) (FieldPolicy, bool) {
	tp, ok := c.typePolicies[typename]
	if !ok {
		return FieldPolicy{}, false
	}
	fp, ok := tp.Fields[fieldName]
	return fp, ok
}

func (c *InMemoryCache) storeFieldName(typename, fieldName string, args map[string]any) string {
	var keyArgs []string
	if fp, ok := c.fieldPolicy(typename, fieldName); ok {
		keyArgs = fp.KeyArgs
	}
	return cachekey.StoreFieldName(fieldName, args, keyArgs)
}

// identify computes the identity of an object.
// Root types map to the root records. Objects that lack key fields are not identifiable,
// which is not an error: they are stored inline and will not merge with other records.
func (c *InMemoryCache) identify(obj StoreObject) (string, bool) {
	typename := obj.Typename()
	switch typename {
	case "":
		return "", false
	case c.rootTypes.query:
		return RootQueryID, true
	case c.rootTypes.mutation:
		return RootMutationID, true
	case c.rootTypes.subscription:
		return RootSubscriptionID, true
	}
	if tp, ok := c.typePolicies[typename]; ok && len(tp.KeyFields) > 0 {
		fields := make([]cachekey.KeyField, 0, len(tp.KeyFields))
		for _, name := range tp.KeyFields {
			value, ok := obj[name]
			if !ok {
				c.log.Trace().Str("typename", typename).Str("field", name).Msg("Missing key field, object not identifiable")
				return "", false
			}
			if tp.KeyTransform != nil {
				value = tp.KeyTransform(name, value)
			}
			fields = append(fields, cachekey.KeyField{Name: name, Value: value})
		}
		return cachekey.EntityKey(typename, fields), true
	}
	for _, name := range []string{"id", "_id"} {
		if id, ok := obj[name]; ok && id != nil {
			return cachekey.DefaultKey(typename, id), true
		}
	}
	return "", false
}

// possibleType reports whether an object of the given typename
// matches a fragment type condition.
// Objects of unknown type match any condition.
func (c *InMemoryCache) possibleType(typename, condition string) bool {
	if condition == "" || typename == "" || condition == typename {
		return true
	}
	for _, t := range c.possibleTypes[condition] {
		if t == typename {
			return true
		}
	}
	return false
}
