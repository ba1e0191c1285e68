// Package normalize rewrites upstream JSON so every object key is camelCase.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// CamelCase converts snake_case segments to camelCase.
// Each underscore followed by a lowercase ASCII letter or digit is removed
// and that character upper-cased (digits are unaffected by upper-casing).
// Any other underscore is kept as-is.
//
//	total_volume      -> totalVolume
//	high_24h          -> high24h
//	a__b              -> a_B
//	already_Upper     -> already_Upper
func CamelCase(s string) string {
	if strings.IndexByte(s, '_') < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' && i+1 < len(s) && isLowerOrDigit(s[i+1]) {
			next := s[i+1]
			if next >= 'a' && next <= 'z' {
				next -= 'a' - 'A'
			}
			b.WriteByte(next)
			i++
			continue
		}
		b.WriteByte(c)
	}

	return b.String()
}

func isLowerOrDigit(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// frame is a pending node of the tree walk: a source value and the slot its
// normalized copy must be written to.
type frame struct {
	src any
	set func(any)
}

// Keys returns a copy of v with every map key converted by CamelCase.
// Slices keep their order and length; scalars are returned unchanged.
// The walk uses an explicit stack, so depth is bounded by memory rather
// than by the goroutine stack. v must be acyclic.
//
// When source keys convert to the same name, the one that was already in
// camelCase wins; otherwise the lexicographically smallest source key wins.
func Keys(v any) any {
	var out any
	stack := []frame{{src: v, set: func(x any) { out = x }}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node := f.src.(type) {
		case map[string]any:
			dst := make(map[string]any, len(node))
			f.set(dst)
			claimed := make(map[string]struct{}, len(node))
			for _, k := range slices.Sorted(maps.Keys(node)) {
				name := CamelCase(k)
				if name != k {
					if _, exists := node[name]; exists {
						continue
					}
				}
				if _, taken := claimed[name]; taken {
					continue
				}
				claimed[name] = struct{}{}

				stack = append(stack, frame{
					src: node[k],
					set: func(x any) { dst[name] = x },
				})
			}
		case []any:
			dst := make([]any, len(node))
			f.set(dst)
			for i, child := range node {
				stack = append(stack, frame{
					src: child,
					set: func(x any) { dst[i] = x },
				})
			}
		default:
			f.set(node)
		}
	}

	return out
}

// JSON decodes raw, applies Keys and re-encodes the result.
// Numbers keep their exact textual form.
func JSON(raw []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	out, err := json.Marshal(Keys(doc))
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}

	return out, nil
}
