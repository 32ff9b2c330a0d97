package docstore

import (
	"cmp"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
)

type serverTimestamp struct{}

// ServerTimestamp is a field value replaced by the store's clock at write time.
func ServerTimestamp() any {
	return serverTimestamp{}
}

type arrayUnion struct {
	values []any
}

// ArrayUnion is a field value that appends each of values to the stored array
// unless an equal element is already present.
func ArrayUnion(values ...any) any {
	return arrayUnion{values: values}
}

// ApplyFields writes fields into data and returns the normalized result.
// Dotted keys address nested maps, which are created as needed. Sentinel
// values are resolved against now.
func ApplyFields(data map[string]any, fields map[string]any, now time.Time) (map[string]any, error) {
	out, err := Normalize(data)
	if err != nil {
		return nil, err
	}

	for key, val := range fields {
		path := strings.Split(key, ".")
		parent := out
		for _, p := range path[:len(path)-1] {
			next, ok := parent[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				parent[p] = next
			}
			parent = next
		}

		leaf := path[len(path)-1]
		resolved, err := resolveValue(parent[leaf], val, now)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		parent[leaf] = resolved
	}

	return Normalize(out)
}

func resolveValue(existing, val any, now time.Time) (any, error) {
	switch v := val.(type) {
	case serverTimestamp:
		return normalizeValue(types.NewTimestamp(now))
	case arrayUnion:
		arr, _ := existing.([]any)
		merged := slices.Clone(arr)
		for _, el := range v.values {
			n, err := normalizeValue(el)
			if err != nil {
				return nil, err
			}
			if !slices.ContainsFunc(merged, func(cur any) bool { return reflect.DeepEqual(cur, n) }) {
				merged = append(merged, n)
			}
		}
		if merged == nil {
			merged = []any{}
		}
		return merged, nil
	default:
		return val, nil
	}
}

// Normalize returns a deep copy of data reduced to its JSON form, so every
// backend hands out the same shapes (float64 numbers, []any, map[string]any).
func Normalize(data map[string]any) (map[string]any, error) {
	if data == nil {
		return make(map[string]any), nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode converts the document data into v, a pointer to a record type.
func Decode(doc Document, v any) error {
	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", doc.Id, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", doc.Id, err)
	}
	return nil
}

// Lookup resolves a dotted path inside data.
func Lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// SortDocuments applies an ordering clause the way an indexed backend would:
// documents lacking the field are left out, the rest are sorted by the field
// with the id as tie-break.
func SortDocuments(docs []Document, order OrderBy) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if _, ok := Lookup(d.Data, order.Field); ok {
			out = append(out, d)
		}
	}

	slices.SortStableFunc(out, func(a, b Document) int {
		av, _ := Lookup(a.Data, order.Field)
		bv, _ := Lookup(b.Data, order.Field)
		c := compareValues(av, bv)
		if order.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.Id, b.Id)
	})

	return out
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return cmp.Compare(av, bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			if c := compareValues(av["seconds"], bv["seconds"]); c != 0 {
				return c
			}
			return compareValues(av["nanos"], bv["nanos"])
		}
	}

	return cmp.Compare(typeRank(a), typeRank(b))
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case map[string]any:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}
