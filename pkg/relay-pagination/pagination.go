// Package relaypagination implements a field policy for Relay-style
// cursor connections (edges + pageInfo) merged across page fetches.
package relaypagination

import (
	gqlcache "github.com/always-cache/gqlcache"
)

const (
	edgesField    = "edges"
	pageInfoField = "pageInfo"
	cursorField   = "cursor"
	nodeField     = "node"

	hasPreviousPage = "hasPreviousPage"
	hasNextPage     = "hasNextPage"
	startCursor     = "startCursor"
	endCursor       = "endCursor"
)

// RelayStylePagination returns a field policy that stores one connection per
// combination of keyArgs values and merges pages into it by cursor.
// All non-pagination arguments of the field must be listed in keyArgs,
// otherwise invocations with different arguments share one connection.
func RelayStylePagination(keyArgs ...string) gqlcache.FieldPolicy {
	if keyArgs == nil {
		keyArgs = gqlcache.NoKeyArgs
	}
	return gqlcache.FieldPolicy{
		KeyArgs: keyArgs,
		Read:    read,
		Merge:   merge,
	}
}

func read(existing any, opts gqlcache.FieldFunctionOptions) (any, bool) {
	conn, ok := gqlcache.AsObject(existing)
	if !ok {
		// a stored null connection is a value, an absent one is missing
		return existing, opts.Exists
	}

	edges := make([]any, 0)
	firstEdgeCursor, lastEdgeCursor := "", ""
	for _, edge := range edgesOf(conn) {
		// null nodes are values, only dangling ones are dropped
		if node := opts.ReadField(nodeField, edge); node != nil && !opts.CanRead(node) {
			continue
		}
		edges = append(edges, edge)
		if cursor := edgeCursor(edge, opts); cursor != "" {
			if firstEdgeCursor == "" {
				firstEdgeCursor = cursor
			}
			lastEdgeCursor = cursor
		}
	}
	if len(edges) > 1 && firstEdgeCursor == lastEdgeCursor {
		firstEdgeCursor = ""
	}

	pageInfo := gqlcache.StoreObject{}
	if stored, ok := gqlcache.AsObject(conn[pageInfoField]); ok {
		for k, v := range stored {
			pageInfo[k] = v
		}
	}
	if s, _ := pageInfo[startCursor].(string); s == "" {
		pageInfo[startCursor] = firstEdgeCursor
	}
	if s, _ := pageInfo[endCursor].(string); s == "" {
		pageInfo[endCursor] = lastEdgeCursor
	}

	result := extras(conn)
	result[edgesField] = edges
	result[pageInfoField] = pageInfo
	return result, true
}

func merge(existing, incoming any, opts gqlcache.FieldFunctionOptions) any {
	in, ok := gqlcache.AsObject(incoming)
	if !ok {
		return incoming
	}
	ex, _ := gqlcache.AsObject(existing)

	incomingEdges := make([]any, 0)
	for _, edge := range edgesOf(in) {
		incomingEdges = append(incomingEdges, withCursor(edge, edgeCursor(edge, opts)))
	}

	incomingPageInfo, hasIncomingPageInfo := gqlcache.AsObject(in[pageInfoField])
	if hasIncomingPageInfo {
		incomingPageInfo = copyObject(incomingPageInfo)
		start, _ := incomingPageInfo[startCursor].(string)
		end, _ := incomingPageInfo[endCursor].(string)
		if n := len(incomingEdges); n > 0 {
			if start != "" {
				incomingEdges[0] = withCursor(incomingEdges[0], start)
			}
			if end != "" {
				incomingEdges[n-1] = withCursor(incomingEdges[n-1], end)
			}
			if start == "" {
				incomingPageInfo[startCursor] = edgeCursor(incomingEdges[0], opts)
			}
			if end == "" {
				incomingPageInfo[endCursor] = edgeCursor(incomingEdges[n-1], opts)
			}
		}
	}

	existingEdges := edgesOf(ex)
	prefix := existingEdges
	var suffix []any
	after, _ := opts.Args["after"].(string)
	before, _ := opts.Args["before"].(string)
	switch {
	case after != "":
		if i := indexOfCursor(prefix, after, opts); i >= 0 {
			prefix = prefix[:i+1]
		}
	case before != "":
		i := indexOfCursor(prefix, before, opts)
		if i < 0 {
			suffix = prefix
		} else {
			suffix = prefix[i:]
		}
		prefix = nil
	default:
		if _, ok := in[edgesField]; ok {
			prefix = nil
		}
	}

	// A page that is already stored, e.g. a refetch of the first page,
	// keeps the edges that were fetched after it.
	if before == "" && suffix == nil {
		rest := existingEdges[len(prefix):]
		if len(rest) > len(incomingEdges) && sameCursors(rest[:len(incomingEdges)], incomingEdges, opts) {
			suffix = rest[len(incomingEdges):]
		}
	}

	edges := make([]any, 0, len(prefix)+len(incomingEdges)+len(suffix))
	edges = append(edges, prefix...)
	edges = append(edges, incomingEdges...)
	edges = append(edges, suffix...)

	pageInfo := gqlcache.StoreObject{}
	if hasIncomingPageInfo {
		for k, v := range incomingPageInfo {
			pageInfo[k] = v
		}
	}
	if existingPageInfo, ok := gqlcache.AsObject(ex[pageInfoField]); ok {
		for k, v := range existingPageInfo {
			pageInfo[k] = v
		}
	}
	if hasIncomingPageInfo {
		for k, v := range incomingPageInfo {
			switch k {
			case hasPreviousPage, hasNextPage, startCursor, endCursor:
			default:
				pageInfo[k] = v
			}
		}
		if len(prefix) == 0 {
			setIfPresent(pageInfo, incomingPageInfo, hasPreviousPage)
			setIfPresent(pageInfo, incomingPageInfo, startCursor)
		}
		if len(suffix) == 0 {
			setIfPresent(pageInfo, incomingPageInfo, hasNextPage)
			setIfPresent(pageInfo, incomingPageInfo, endCursor)
		}
	}

	result := extras(ex)
	for k, v := range extras(in) {
		result[k] = v
	}
	result[edgesField] = edges
	result[pageInfoField] = pageInfo
	return result
}

func edgesOf(conn gqlcache.StoreObject) []any {
	if conn == nil {
		return nil
	}
	edges, _ := conn[edgesField].([]any)
	return edges
}

// edgeCursor reads the cursor of an edge, which may be stored inline or as a record.
func edgeCursor(edge any, opts gqlcache.FieldFunctionOptions) string {
	cursor, _ := opts.ReadField(cursorField, edge).(string)
	return cursor
}

// withCursor returns a copy of an inline edge with the given cursor.
// Edges stored as records keep the cursor stored in their record.
func withCursor(edge any, cursor string) any {
	if cursor == "" {
		return edge
	}
	obj, ok := gqlcache.AsObject(edge)
	if !ok {
		return edge
	}
	if existing, _ := obj[cursorField].(string); existing == cursor {
		return edge
	}
	edgeCopy := copyObject(obj)
	edgeCopy[cursorField] = cursor
	return edgeCopy
}

func indexOfCursor(edges []any, cursor string, opts gqlcache.FieldFunctionOptions) int {
	for i, edge := range edges {
		if edgeCursor(edge, opts) == cursor {
			return i
		}
	}
	return -1
}

func sameCursors(a, b []any, opts gqlcache.FieldFunctionOptions) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	for i := range a {
		ca, cb := edgeCursor(a[i], opts), edgeCursor(b[i], opts)
		if ca == "" || ca != cb {
			return false
		}
	}
	return true
}

// extras returns the fields of a connection other than edges and pageInfo.
func extras(conn gqlcache.StoreObject) gqlcache.StoreObject {
	result := gqlcache.StoreObject{}
	for k, v := range conn {
		if k != edgesField && k != pageInfoField {
			result[k] = v
		}
	}
	return result
}

func setIfPresent(dst, src gqlcache.StoreObject, key string) {
	if v, ok := src[key]; ok {
		dst[key] = v
	}
}

func copyObject(obj gqlcache.StoreObject) gqlcache.StoreObject {
	c := make(gqlcache.StoreObject, len(obj))
	for k, v := range obj {
		c[k] = v
	}
	return c
}
