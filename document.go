package gqlcache

import (
	"bytes"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

var (
	ErrNoOperation        = errors.New("document contains no operation")
	ErrAmbiguousOperation = errors.New("document contains several operations, operation name required")
)

// Document is a parsed GraphQL document, prepared for use with the cache.
type Document struct {
	// Printed document, with __typename added to selection sets if enabled.
	Text string
	doc  *ast.QueryDocument
}

// ParseDocument parses query and, if addTypename is set,
// adds __typename to every selection set below the operation root.
func ParseDocument(query string, addTypename bool) (*Document, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, fmt.Errorf("could not parse document: %w", err)
	}
	if len(doc.Operations) == 0 {
		return nil, ErrNoOperation
	}
	if addTypename {
		for _, op := range doc.Operations {
			for _, sel := range op.SelectionSet {
				addTypenameToSelection(sel)
			}
		}
		for _, frag := range doc.Fragments {
			frag.SelectionSet = addTypenameToSet(frag.SelectionSet)
		}
	}
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return &Document{Text: buf.String(), doc: doc}, nil
}

// CanonicalQuery returns the printed form of query with __typename added,
// as sent over the wire by the client. Equal operations have equal canonical forms.
func CanonicalQuery(query string) (string, error) {
	d, err := ParseDocument(query, true)
	if err != nil {
		return "", err
	}
	return d.Text, nil
}

// Operation returns the named operation, or the only one if name is empty.
func (d *Document) Operation(name string) (*ast.OperationDefinition, error) {
	if name != "" {
		if op := d.doc.Operations.ForName(name); op != nil {
			return op, nil
		}
		return nil, fmt.Errorf("operation %q not found", name)
	}
	if len(d.doc.Operations) > 1 {
		return nil, ErrAmbiguousOperation
	}
	return d.doc.Operations[0], nil
}

// OperationType returns "query", "mutation" or "subscription".
func (d *Document) OperationType(name string) (string, error) {
	op, err := d.Operation(name)
	if err != nil {
		return "", err
	}
	return string(op.Operation), nil
}

func addTypenameToSelection(sel ast.Selection) {
	switch s := sel.(type) {
	case *ast.Field:
		if len(s.SelectionSet) > 0 {
			s.SelectionSet = addTypenameToSet(s.SelectionSet)
		}
	case *ast.InlineFragment:
		for _, child := range s.SelectionSet {
			addTypenameToSelection(child)
		}
	}
}

func addTypenameToSet(set ast.SelectionSet) ast.SelectionSet {
	hasTypename := false
	for _, sel := range set {
		if f, ok := sel.(*ast.Field); ok && f.Name == typenameField && (f.Alias == "" || f.Alias == typenameField) {
			hasTypename = true
		}
		addTypenameToSelection(sel)
	}
	if hasTypename {
		return set
	}
	return append(set, &ast.Field{Alias: typenameField, Name: typenameField})
}

// documentCache keeps parsed documents by query text.
type documentCache struct {
	addTypename bool
	lru         *lru.Cache[string, *Document]
}

func newDocumentCache(size int, addTypename bool) *documentCache {
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New[string, *Document](size)
	if err != nil {
		// only happens for non-positive sizes
		panic(err)
	}
	return &documentCache{addTypename: addTypename, lru: cache}
}

func (dc *documentCache) get(query string) (*Document, error) {
	if d, ok := dc.lru.Get(query); ok {
		return d, nil
	}
	d, err := ParseDocument(query, dc.addTypename)
	if err != nil {
		return nil, err
	}
	dc.lru.Add(query, d)
	return d, nil
}

// collectedField is a field of a selection set after fragments are flattened.
// Fields selected several times under the same response key share one entry
// whose selection set is the union of all of them.
type collectedField struct {
	field        *ast.Field
	selectionSet ast.SelectionSet
}

func (f collectedField) responseKey() string {
	if f.field.Alias != "" {
		return f.field.Alias
	}
	return f.field.Name
}

// selectionContext carries what is needed to walk a selection set.
type selectionContext struct {
	cache     *InMemoryCache
	doc       *ast.QueryDocument
	variables map[string]any
}

// collectFields flattens fragments and skipped fields for an object of the given type.
func (sc selectionContext) collectFields(set ast.SelectionSet, typename string) []collectedField {
	var fields []collectedField
	index := make(map[string]int)
	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				if !sc.included(s.Directives) {
					continue
				}
				cf := collectedField{field: s, selectionSet: s.SelectionSet}
				if i, seen := index[cf.responseKey()]; seen {
					fields[i].selectionSet = append(append(ast.SelectionSet{}, fields[i].selectionSet...), s.SelectionSet...)
					continue
				}
				index[cf.responseKey()] = len(fields)
				fields = append(fields, cf)
			case *ast.InlineFragment:
				if sc.included(s.Directives) && sc.cache.possibleType(typename, s.TypeCondition) {
					walk(s.SelectionSet)
				}
			case *ast.FragmentSpread:
				def := sc.doc.Fragments.ForName(s.Name)
				if def == nil {
					sc.cache.log.Warn().Str("fragment", s.Name).Msg("Unknown fragment")
					continue
				}
				if sc.included(s.Directives) && sc.cache.possibleType(typename, def.TypeCondition) {
					walk(def.SelectionSet)
				}
			}
		}
	}
	walk(set)
	return fields
}

// included evaluates @include and @skip.
func (sc selectionContext) included(directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil && sc.directiveIf(d) {
		return false
	}
	if d := directives.ForName("include"); d != nil && !sc.directiveIf(d) {
		return false
	}
	return true
}

func (sc selectionContext) directiveIf(d *ast.Directive) bool {
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false
	}
	v, err := arg.Value.Value(sc.variables)
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}

// arguments evaluates the arguments of a field with the operation variables.
// Arguments that fail to evaluate are left out.
func (sc selectionContext) arguments(f *ast.Field) map[string]any {
	if len(f.Arguments) == 0 {
		return nil
	}
	args := make(map[string]any, len(f.Arguments))
	for _, arg := range f.Arguments {
		if arg.Value.Kind == ast.Variable {
			// unset variables are left out, like undefined values
			if _, ok := sc.variables[arg.Value.Raw]; !ok {
				continue
			}
		}
		v, err := arg.Value.Value(sc.variables)
		if err != nil {
			sc.cache.log.Warn().Err(err).Str("field", f.Name).Str("arg", arg.Name).Msg("Could not evaluate argument")
			continue
		}
		args[arg.Name] = v
	}
	return args
}

// operationVariables returns the variables with declared defaults applied.
func operationVariables(op *ast.OperationDefinition, variables map[string]any) map[string]any {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	for _, def := range op.VariableDefinitions {
		if _, ok := vars[def.Variable]; ok || def.DefaultValue == nil {
			continue
		}
		if v, err := def.DefaultValue.Value(nil); err == nil {
			vars[def.Variable] = v
		}
	}
	return vars
}
