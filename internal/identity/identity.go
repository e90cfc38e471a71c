// Package identity computes stable keys for (document, variables) pairs.
// Two observations share network requests and registry slots iff their
// identities are equal, so the key must be deterministic across map
// iteration order and across structurally-equal-but-distinct values.
package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	language "github.com/hanpama/graphwatch/internal/language"
)

// CanonicalVariables renders variables as deterministic JSON: object keys
// sorted at every nesting level. A nil map and an empty map render the
// same.
func CanonicalVariables(variables map[string]any) string {
	var buf bytes.Buffer
	writeCanonical(&buf, variables)
	return buf.String()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(buf, "%q", fmt.Sprint(val))
			return
		}
		buf.Write(b)
	}
}

// Key returns the registry/dedup identity for a document and its
// variables. The document part is a fingerprint of the operations and
// fragments so that structurally identical documents parsed separately
// still collide.
func Key(document *language.QueryDocument, operationName string, variables map[string]any) string {
	h := fnv.New64a()
	for _, op := range document.Operations {
		fmt.Fprintf(h, "op:%s:%s:%d;", op.Operation, op.Name, len(op.SelectionSet))
		if op.Position != nil && op.Position.Src != nil {
			fmt.Fprintf(h, "src:%s;", op.Position.Src.Input)
		}
	}
	for _, frag := range document.Fragments {
		fmt.Fprintf(h, "frag:%s:%s;", frag.Name, frag.TypeCondition)
	}
	return fmt.Sprintf("%x|%s|%s", h.Sum64(), operationName, CanonicalVariables(variables))
}

// Equal reports deep equality of two variable maps after
// canonicalization.
func Equal(a, b map[string]any) bool {
	return CanonicalVariables(a) == CanonicalVariables(b)
}
