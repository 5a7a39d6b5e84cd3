package gqlcache

import (
	"strconv"

	"github.com/vektah/gqlparser/v2/ast"
)

// ReadOptions describes a query to answer from the cache.
type ReadOptions struct {
	Query         string
	OperationName string
	Variables     map[string]any
}

// MissingField is a selected field the cache could not provide.
type MissingField struct {
	// Response path of the field, e.g. `nftBalances.edges.0.node.name`.
	Path    string
	Message string
}

// ReadResult is the outcome of reading a query from the cache.
type ReadResult struct {
	// Data holds everything that could be read, even if the read is incomplete.
	Data map[string]any
	// Complete is true if every selected field was found.
	Complete bool
	Missing  []MissingField
}

// ReadQuery answers a query from the cache without touching the network.
// Field read functions run for every field that has one, stored or not.
// An incomplete result is not an error: it means the query must be fetched.
func (c *InMemoryCache) ReadQuery(opts ReadOptions) (ReadResult, error) {
	d, err := c.documents.get(opts.Query)
	if err != nil {
		return ReadResult{}, err
	}
	op, err := d.Operation(opts.OperationName)
	if err != nil {
		return ReadResult{}, err
	}
	rootID, rootType := c.root(op.Operation)

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	r := &reader{selectionContext: selectionContext{
		cache:     c,
		doc:       d.doc,
		variables: operationVariables(op, opts.Variables),
	}}
	root, ok := c.data[rootID]
	if !ok {
		root = StoreObject{typenameField: rootType}
	}
	data := r.readSelectionSet(root, op.SelectionSet, "")
	if len(r.missing) > 0 {
		c.log.Trace().Int("missing", len(r.missing)).Str("first", r.missing[0].Path).Msg("Cache read incomplete")
	}
	return ReadResult{
		Data:     data,
		Complete: len(r.missing) == 0,
		Missing:  r.missing,
	}, nil
}

type reader struct {
	selectionContext
	missing []MissingField
}

func (r *reader) miss(path, message string) {
	r.missing = append(r.missing, MissingField{Path: path, Message: message})
}

func (r *reader) readSelectionSet(obj StoreObject, set ast.SelectionSet, path string) map[string]any {
	typename := obj.Typename()
	result := make(map[string]any)
	for _, cf := range r.collectFields(set, typename) {
		key := cf.responseKey()
		fieldPath := joinPath(path, key)
		name := cf.field.Name
		if name == typenameField {
			if typename == "" {
				r.miss(fieldPath, "no __typename stored")
				continue
			}
			result[key] = typename
			continue
		}

		args := r.arguments(cf.field)
		storeName := r.cache.storeFieldName(typename, name, args)
		value, exists := obj[storeName]

		if fp, ok := r.cache.fieldPolicy(typename, name); ok && fp.Read != nil {
			var found bool
			value, found = fp.Read(value, FieldFunctionOptions{
				FieldName:      name,
				StoreFieldName: storeName,
				Args:           args,
				Variables:      r.variables,
				Exists:         exists,
				cache:          r.cache,
			})
			if !found {
				r.miss(fieldPath, "read function found no value for "+storeName)
				continue
			}
		} else if !exists {
			r.miss(fieldPath, "no value stored for "+storeName)
			continue
		}

		if v, ok := r.readValue(value, cf.selectionSet, fieldPath); ok {
			result[key] = v
		}
	}
	return result
}

// readValue denormalizes a stored value along a selection set.
// It returns false if the value itself is missing (a dangling reference).
func (r *reader) readValue(value any, set ast.SelectionSet, path string) (any, bool) {
	if value == nil {
		return nil, true
	}
	if len(set) == 0 {
		return copyValue(value), true
	}
	switch v := value.(type) {
	case Reference:
		record, ok := r.cache.data[v.Ref]
		if !ok {
			r.miss(path, "dangling reference "+v.Ref)
			return nil, false
		}
		return r.readSelectionSet(record, set, path), true
	case []any:
		list := make([]any, 0, len(v))
		for i, item := range v {
			// dangling references are left out of lists
			if ref, ok := item.(Reference); ok {
				if _, exists := r.cache.data[ref.Ref]; !exists {
					continue
				}
			}
			if itemValue, ok := r.readValue(item, set, joinPath(path, strconv.Itoa(i))); ok {
				list = append(list, itemValue)
			}
		}
		return list, true
	default:
		if obj, ok := AsObject(v); ok {
			return r.readSelectionSet(obj, set, path), true
		}
		return copyValue(value), true
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
