package gqlcache

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

const userQuery = `query User($id: ID!) {
  user(id: $id) {
    id
    name
    bestFriend { id name }
    friends { id name }
  }
}`

func newTestCache(config Config) *InMemoryCache {
	logger := zerolog.Nop()
	config.Logger = &logger
	return New(config)
}

func user(id, name string) map[string]any {
	return map[string]any{"__typename": "User", "id": id, "name": name}
}

func userData() map[string]any {
	u := user("1", "Ann")
	u["bestFriend"] = user("2", "Bob")
	u["friends"] = []any{user("2", "Bob"), user("3", "Cid")}
	return map[string]any{"user": u}
}

func mustWrite(t *testing.T, c *InMemoryCache, query string, vars map[string]any, data map[string]any) {
	t.Helper()
	if err := c.WriteQuery(WriteOptions{Query: query, Variables: vars, Data: data}); err != nil {
		t.Fatal(err)
	}
}

func mustRead(t *testing.T, c *InMemoryCache, query string, vars map[string]any) ReadResult {
	t.Helper()
	res, err := c.ReadQuery(ReadOptions{Query: query, Variables: vars})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestWriteNormalizesAndReadDenormalizes(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, userQuery, map[string]any{"id": "1"}, userData())

	if c.Size() != 4 {
		t.Fatalf("Cache has %d records: %v", c.Size(), c.Extract())
	}
	root := c.Extract()[RootQueryID]
	if ref := root[`user({"id":"1"})`]; ref != (Reference{Ref: "User:1"}) {
		t.Fatalf("Root field is %v", ref)
	}

	res := mustRead(t, c, userQuery, map[string]any{"id": "1"})
	if !res.Complete {
		t.Fatalf("Read incomplete: %v", res.Missing)
	}
	if !reflect.DeepEqual(res.Data, userData()) {
		t.Fatalf("Read %v", res.Data)
	}
}

func TestEntitiesAreSharedAcrossQueries(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, userQuery, map[string]any{"id": "1"}, userData())
	mustWrite(t, c, `{ user(id: "2") { id name } }`, nil, map[string]any{"user": user("2", "Bobby")})

	res := mustRead(t, c, userQuery, map[string]any{"id": "1"})
	bestFriend := res.Data["user"].(map[string]any)["bestFriend"].(map[string]any)
	if bestFriend["name"] != "Bobby" {
		t.Fatalf("Best friend is %v", bestFriend)
	}
}

func TestAliasesAreStoredByFieldName(t *testing.T) {
	c := newTestCache(Config{})
	query := `{ first: user(id: "1") { id nick: name } second: user(id: "2") { id name } }`
	data := map[string]any{
		"first":  map[string]any{"__typename": "User", "id": "1", "nick": "Ann"},
		"second": user("2", "Bob"),
	}
	mustWrite(t, c, query, nil, data)

	if name := c.Extract()["User:1"]["name"]; name != "Ann" {
		t.Fatalf("Name is %v", name)
	}
	res := mustRead(t, c, query, nil)
	if !res.Complete || !reflect.DeepEqual(res.Data, data) {
		t.Fatalf("Read %v, missing %v", res.Data, res.Missing)
	}
}

func TestReadReportsMissingFields(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, `{ user(id: "1") { id name } }`, nil, map[string]any{"user": user("1", "Ann")})

	res := mustRead(t, c, userQuery, map[string]any{"id": "1"})
	if res.Complete {
		t.Fatal("Read complete")
	}
	if len(res.Missing) != 2 || res.Missing[0].Path != "user.bestFriend" || res.Missing[1].Path != "user.friends" {
		t.Fatalf("Missing %v", res.Missing)
	}
	if name := res.Data["user"].(map[string]any)["name"]; name != "Ann" {
		t.Fatalf("Partial data is %v", res.Data)
	}

	res = mustRead(t, c, userQuery, map[string]any{"id": "2"})
	if res.Complete || len(res.Data) != 0 {
		t.Fatalf("Read %v", res.Data)
	}
}

func TestFragmentsMatchPossibleTypes(t *testing.T) {
	c := newTestCache(Config{PossibleTypes: map[string][]string{"Node": {"Post", "Photo"}}})
	query := `query Feed {
  feed {
    ... on Post { title }
    ... on Photo { url }
    ...NodeFields
  }
}
fragment NodeFields on Node { id }`
	data := map[string]any{"feed": []any{
		map[string]any{"__typename": "Post", "id": "1", "title": "Hello"},
		map[string]any{"__typename": "Photo", "id": "2", "url": "https://example.com/1.png"},
	}}
	mustWrite(t, c, query, nil, data)

	if !c.Has("Post:1") || !c.Has("Photo:2") {
		t.Fatalf("Records are %v", c.Extract())
	}
	if _, ok := c.Extract()["Photo:2"]["title"]; ok {
		t.Fatal("Post fields written to photo")
	}
	res := mustRead(t, c, query, nil)
	if !res.Complete || !reflect.DeepEqual(res.Data, data) {
		t.Fatalf("Read %v, missing %v", res.Data, res.Missing)
	}
}

func TestIncludeAndSkip(t *testing.T) {
	c := newTestCache(Config{})
	query := `query User($withName: Boolean!) { user(id: "1") { id name @include(if: $withName) friends @skip(if: true) { id } } }`
	mustWrite(t, c, query, map[string]any{"withName": false}, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "1"},
	})

	if res := mustRead(t, c, query, map[string]any{"withName": false}); !res.Complete {
		t.Fatalf("Read incomplete: %v", res.Missing)
	}
	if res := mustRead(t, c, query, map[string]any{"withName": true}); res.Complete {
		t.Fatal("Read of excluded field complete")
	}
}

func TestVariableDefaults(t *testing.T) {
	c := newTestCache(Config{})
	query := `query Balances($owner: String = "0xA", $after: String) { balances(owner: $owner, after: $after) }`
	mustWrite(t, c, query, nil, map[string]any{"balances": []any{float64(1), float64(2)}})

	if _, ok := c.Extract()[RootQueryID][`balances({"owner":"0xA"})`]; !ok {
		t.Fatalf("Root is %v", c.Extract()[RootQueryID])
	}
	if res := mustRead(t, c, query, map[string]any{"owner": "0xA"}); !res.Complete {
		t.Fatalf("Read incomplete: %v", res.Missing)
	}
}

func TestInlineObjectsAreReplaced(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, `{ settings { theme { color } } }`, nil, map[string]any{
		"settings": map[string]any{"__typename": "Settings", "theme": map[string]any{"__typename": "Theme", "color": "red"}},
	})
	mustWrite(t, c, `{ settings { language } }`, nil, map[string]any{
		"settings": map[string]any{"__typename": "Settings", "language": "fi"},
	})

	if c.Size() != 1 {
		t.Fatalf("Records are %v", c.Extract())
	}
	if res := mustRead(t, c, `{ settings { theme { color } } }`, nil); res.Complete {
		t.Fatal("Replaced inline object still readable")
	}
	if res := mustRead(t, c, `{ settings { language } }`, nil); !res.Complete {
		t.Fatalf("Read incomplete: %v", res.Missing)
	}
}

func TestMergeFunctionGetsExistingValue(t *testing.T) {
	var exists []bool
	c := newTestCache(Config{TypePolicies: TypePolicies{
		"Query": {Fields: map[string]FieldPolicy{
			"messages": {
				KeyArgs: NoKeyArgs,
				Merge: func(existing, incoming any, opts FieldFunctionOptions) any {
					exists = append(exists, opts.Exists)
					merged, _ := existing.([]any)
					return append(append([]any{}, merged...), incoming.([]any)...)
				},
			},
		}},
	}})
	query := `query Messages($after: String) { messages(after: $after) }`
	mustWrite(t, c, query, nil, map[string]any{"messages": []any{"a", "b"}})
	mustWrite(t, c, query, map[string]any{"after": "b"}, map[string]any{"messages": []any{"c"}})

	res := mustRead(t, c, query, nil)
	if !reflect.DeepEqual(res.Data["messages"], []any{"a", "b", "c"}) {
		t.Fatalf("Messages are %v", res.Data["messages"])
	}
	if !reflect.DeepEqual(exists, []bool{false, true}) {
		t.Fatalf("Exists was %v", exists)
	}
}

func TestReadFunctionRunsForAbsentFields(t *testing.T) {
	c := newTestCache(Config{TypePolicies: TypePolicies{
		"Query": {Fields: map[string]FieldPolicy{
			"userById": {Read: func(existing any, opts FieldFunctionOptions) (any, bool) {
				ref, ok := opts.ToReference(StoreObject{"__typename": "User", "id": opts.Args["id"]})
				if !ok || !opts.CanRead(ref) {
					return nil, false
				}
				return ref, true
			}},
		}},
	}})
	mustWrite(t, c, `{ user(id: "1") { id name } }`, nil, map[string]any{"user": user("1", "Ann")})

	res := mustRead(t, c, `{ userById(id: "1") { id name } }`, nil)
	if !res.Complete {
		t.Fatalf("Read incomplete: %v", res.Missing)
	}
	if name := res.Data["userById"].(map[string]any)["name"]; name != "Ann" {
		t.Fatalf("Name is %v", name)
	}
	if res := mustRead(t, c, `{ userById(id: "2") { id name } }`, nil); res.Complete {
		t.Fatal("Read of unknown user complete")
	}
}

func TestIdentify(t *testing.T) {
	c := newTestCache(Config{TypePolicies: TypePolicies{
		"Token": {KeyFields: []string{"chain", "address"}},
	}})

	if id, ok := c.Identify(StoreObject{"__typename": "User", "id": "1"}); !ok || id != "User:1" {
		t.Fatalf("Id is %s", id)
	}
	if id, ok := c.Identify(StoreObject{"__typename": "Item", "_id": float64(42)}); !ok || id != "Item:42" {
		t.Fatalf("Id is %s", id)
	}
	if id, ok := c.Identify(StoreObject{"__typename": "Token", "address": "0x1", "chain": "ETHEREUM", "id": "x"}); !ok || id != `Token:{"chain":"ETHEREUM","address":"0x1"}` {
		t.Fatalf("Id is %s", id)
	}
	if _, ok := c.Identify(StoreObject{"__typename": "Token", "address": "0x1", "id": "x"}); ok {
		t.Fatal("Token without chain identified")
	}
	if _, ok := c.Identify(StoreObject{"id": "1"}); ok {
		t.Fatal("Object without typename identified")
	}
	if id, ok := c.Identify(StoreObject{"__typename": "Query"}); !ok || id != RootQueryID {
		t.Fatalf("Id is %s", id)
	}
}

func TestEvict(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, userQuery, map[string]any{"id": "1"}, userData())

	if !c.Evict("User:2") || c.Evict("User:2") {
		t.Fatal("Evict result wrong")
	}
	res := mustRead(t, c, userQuery, map[string]any{"id": "1"})
	if res.Complete || res.Missing[0].Path != "user.bestFriend" {
		t.Fatalf("Missing %v", res.Missing)
	}
	// dangling references are left out of lists
	if friends := res.Data["user"].(map[string]any)["friends"].([]any); len(friends) != 1 {
		t.Fatalf("Friends are %v", friends)
	}
}

func TestEvictField(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, userQuery, map[string]any{"id": "1"}, userData())
	mustWrite(t, c, `{ user(id: "3") { id } }`, nil, map[string]any{"user": map[string]any{"__typename": "User", "id": "3"}})

	if n := c.EvictField(RootQueryID, "user"); n != 2 {
		t.Fatalf("Evicted %d fields", n)
	}
	if res := mustRead(t, c, userQuery, map[string]any{"id": "1"}); res.Complete {
		t.Fatal("Read of evicted field complete")
	}
	if !c.Has("User:1") {
		t.Fatal("Record evicted with field")
	}
}

func TestExtractRestore(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, userQuery, map[string]any{"id": "1"}, userData())

	b, err := json.Marshal(c.Extract())
	if err != nil {
		t.Fatal(err)
	}
	var snapshot map[string]StoreObject
	if err := json.Unmarshal(b, &snapshot); err != nil {
		t.Fatal(err)
	}

	restored := newTestCache(Config{})
	restored.Restore(snapshot)
	res := mustRead(t, restored, userQuery, map[string]any{"id": "1"})
	if !res.Complete || !reflect.DeepEqual(res.Data, userData()) {
		t.Fatalf("Read %v, missing %v", res.Data, res.Missing)
	}

	restored.Reset()
	if restored.Size() != 0 {
		t.Fatalf("Cache has %d records after reset", restored.Size())
	}
}

func TestExtractIsACopy(t *testing.T) {
	c := newTestCache(Config{})
	mustWrite(t, c, userQuery, map[string]any{"id": "1"}, userData())

	c.Extract()["User:1"]["name"] = "Changed"
	if name := c.Extract()["User:1"]["name"]; name != "Ann" {
		t.Fatalf("Name is %v", name)
	}
}
