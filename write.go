package gqlcache

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

// WriteOptions describes a result to normalize into the cache.
type WriteOptions struct {
	Query         string
	OperationName string
	Variables     map[string]any
	// Data is the `data` member of a GraphQL response, as decoded from JSON.
	Data map[string]any
}

// WriteQuery normalizes a query (or mutation) result into the cache.
// Identifiable objects are merged field by field into their records,
// everything else is stored inline in its parent.
// Fields that are selected but absent from Data are skipped.
func (c *InMemoryCache) WriteQuery(opts WriteOptions) error {
	d, err := c.documents.get(opts.Query)
	if err != nil {
		return err
	}
	op, err := d.Operation(opts.OperationName)
	if err != nil {
		return err
	}
	rootID, rootType := c.root(op.Operation)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	w := writer{selectionContext{
		cache:     c,
		doc:       d.doc,
		variables: operationVariables(op, opts.Variables),
	}}
	data := StoreObject(opts.Data)
	if data.Typename() == "" {
		data = copyValue(data).(StoreObject)
		data[typenameField] = rootType
	}
	fields := w.processSelectionSet(data, op.SelectionSet, c.data[rootID])
	fields[typenameField] = rootType
	c.mergeRecord(rootID, fields)
	c.log.Trace().Str("root", rootID).Int("records", len(c.data)).Msg("Cache write")
	return nil
}

func (c *InMemoryCache) root(operation ast.Operation) (string, string) {
	switch operation {
	case ast.Mutation:
		return RootMutationID, c.rootTypes.mutation
	case ast.Subscription:
		return RootSubscriptionID, c.rootTypes.subscription
	default:
		return RootQueryID, c.rootTypes.query
	}
}

// mergeRecord merges incoming fields into the record with the given id,
// creating the record if needed. Incoming fields replace stored ones.
func (c *InMemoryCache) mergeRecord(id string, fields StoreObject) {
	record, ok := c.data[id]
	if !ok {
		record = make(StoreObject, len(fields))
		c.data[id] = record
	}
	for k, v := range fields {
		record[k] = v
	}
}

type writer struct {
	selectionContext
}

// processSelectionSet returns the normalized fields of a result object.
// existing is what is currently stored for this object (may be nil);
// it is used to hand stored values to merge functions.
func (w writer) processSelectionSet(result StoreObject, set ast.SelectionSet, existing StoreObject) StoreObject {
	typename := result.Typename()
	fields := make(StoreObject)
	for _, cf := range w.collectFields(set, typename) {
		value, ok := result[cf.responseKey()]
		if !ok {
			w.cache.log.Trace().Str("field", cf.responseKey()).Str("typename", typename).Msg("Missing field in result, not written")
			continue
		}
		name := cf.field.Name
		if name == typenameField {
			fields[typenameField] = value
			continue
		}
		args := w.arguments(cf.field)
		storeName := w.cache.storeFieldName(typename, name, args)

		existingValue, exists := existing[storeName]
		normalized := w.processValue(value, cf.selectionSet, existingValue)

		if fp, ok := w.cache.fieldPolicy(typename, name); ok && fp.Merge != nil {
			normalized = fp.Merge(existingValue, normalized, FieldFunctionOptions{
				FieldName:      name,
				StoreFieldName: storeName,
				Args:           args,
				Variables:      w.variables,
				Exists:         exists,
				cache:          w.cache,
			})
		}
		fields[storeName] = normalized
	}
	return fields
}

func (w writer) processValue(value any, set ast.SelectionSet, existing any) any {
	if value == nil || len(set) == 0 {
		return copyValue(value)
	}
	switch v := value.(type) {
	case []any:
		list := make([]any, len(v))
		for i, item := range v {
			list[i] = w.processValue(item, set, nil)
		}
		return list
	case map[string]any, StoreObject:
		obj, _ := AsObject(v)
		return w.processObject(obj, set, existing)
	default:
		w.cache.log.Warn().Str("type", fmt.Sprintf("%T", value)).Msg("Scalar value for field with selection set")
		return value
	}
}

// processObject stores identifiable objects in their own record and returns a reference.
// Other objects are returned inline and replace what was stored before.
func (w writer) processObject(obj StoreObject, set ast.SelectionSet, existing any) any {
	id, identifiable := w.cache.identify(w.keyView(obj, set))
	if identifiable {
		fields := w.processSelectionSet(obj, set, w.cache.data[id])
		w.cache.mergeRecord(id, fields)
		return Reference{Ref: id}
	}
	existingObj, _ := AsObject(existing)
	return w.processSelectionSet(obj, set, existingObj)
}

// keyView returns the argument-less fields of a result object by field name
// rather than response key, which is what key fields refer to.
func (w writer) keyView(obj StoreObject, set ast.SelectionSet) StoreObject {
	view := make(StoreObject, len(obj))
	for _, cf := range w.collectFields(set, obj.Typename()) {
		if len(cf.field.Arguments) > 0 {
			continue
		}
		if v, ok := obj[cf.responseKey()]; ok {
			view[cf.field.Name] = v
		}
	}
	if typename := obj.Typename(); typename != "" {
		view[typenameField] = typename
	}
	return view
}
