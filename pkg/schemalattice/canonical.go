package schemalattice

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/speakeasy-api/openapi/jsonschema/oas3"
	"gopkg.in/yaml.v3"
)

// maxCanonDepth guards canonicalization of pathological schemas.
const maxCanonDepth = 1000

// canonCtx holds state for a single canonicalization traversal.
type canonCtx struct {
	inProgress map[*oas3.Schema]int
	nextID     int
	depth      int
}

// canonical renders s deterministically. Two schemas with the same canonical
// form are equal lattice elements.
func canonical(s *oas3.Schema) string {
	ctx := &canonCtx{inProgress: make(map[*oas3.Schema]int), nextID: 1}
	var b strings.Builder
	encodeSchema(s, ctx, &b)
	return b.String()
}

func encodeSchema(s *oas3.Schema, ctx *canonCtx, w *strings.Builder) {
	ctx.depth++
	defer func() { ctx.depth-- }()
	if ctx.depth > maxCanonDepth {
		w.WriteString(`{"$max_depth":true}`)
		return
	}

	if s == nil {
		w.WriteString(`{"$bottom":true}`)
		return
	}
	if isTop(s) {
		w.WriteString(`{"$top":true}`)
		return
	}

	if id, ok := ctx.inProgress[s]; ok {
		fmt.Fprintf(w, `{"$cycle":%d}`, id)
		return
	}
	ctx.inProgress[s] = ctx.nextID
	ctx.nextID++
	defer delete(ctx.inProgress, s)

	w.WriteByte('{')
	first := true
	field := func(key string, fn func()) {
		if !first {
			w.WriteByte(',')
		}
		first = false
		w.WriteString(strconv.Quote(key))
		w.WriteByte(':')
		fn()
	}

	if typ := getType(s); typ != "" {
		field("type", func() { w.WriteString(strconv.Quote(typ)) })
	}
	if f := formatOf(s); f != "" {
		field("format", func() { w.WriteString(strconv.Quote(f)) })
	}
	if s.Nullable != nil && *s.Nullable {
		field("nullable", func() { w.WriteString("true") })
	}
	if len(s.Enum) > 0 {
		field("enum", func() { encodeEnums(s.Enum, w) })
	}

	if s.Properties != nil && s.Properties.Len() > 0 {
		field("properties", func() {
			names := make([]string, 0, s.Properties.Len())
			for name := range s.Properties.All() {
				names = append(names, name)
			}
			sort.Strings(names)

			w.WriteByte('{')
			for i, name := range names {
				if i > 0 {
					w.WriteByte(',')
				}
				w.WriteString(strconv.Quote(name))
				w.WriteByte(':')
				js, _ := s.Properties.Get(name)
				if ps, ok := deref(js); ok {
					encodeSchema(ps, ctx, w)
				} else {
					w.WriteString(`{"$unresolved":true}`)
				}
			}
			w.WriteByte('}')
		})
	}
	if len(s.Required) > 0 {
		field("required", func() {
			req := append([]string(nil), s.Required...)
			sort.Strings(req)
			w.WriteByte('[')
			for i, r := range req {
				if i > 0 {
					w.WriteByte(',')
				}
				w.WriteString(strconv.Quote(r))
			}
			w.WriteByte(']')
		})
	}

	if len(s.AnyOf) > 0 {
		field("anyOf", func() { encodeCombinator(s.AnyOf, ctx, w) })
	}

	w.WriteByte('}')
}

// encodeCombinator canonicalizes each branch, dedups by content and sorts.
func encodeCombinator(branches []*oas3.JSONSchema[oas3.Referenceable], ctx *canonCtx, w *strings.Builder) {
	seen := make(map[string]bool)
	var order []string
	for _, branch := range branches {
		var bw strings.Builder
		if bs, ok := deref(branch); ok {
			encodeSchema(bs, ctx, &bw)
		} else {
			bw.WriteString(`{"$unresolved":true}`)
		}
		if key := bw.String(); !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}
	sort.Strings(order)

	w.WriteByte('[')
	w.WriteString(strings.Join(order, ","))
	w.WriteByte(']')
}

func encodeEnums(enums []*yaml.Node, w *strings.Builder) {
	vals := make([]string, 0, len(enums))
	for _, node := range enums {
		vals = append(vals, canonicalizeYAMLNode(node))
	}
	sort.Strings(vals)

	w.WriteByte('[')
	w.WriteString(strings.Join(vals, ","))
	w.WriteByte(']')
}

func canonicalizeYAMLNode(node *yaml.Node) string {
	if node == nil {
		return "null"
	}
	switch node.Kind {
	case yaml.ScalarNode:
		return "s:" + node.Value
	case yaml.SequenceNode:
		parts := make([]string, len(node.Content))
		for i, n := range node.Content {
			parts[i] = canonicalizeYAMLNode(n)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case yaml.MappingNode:
		pairs := make([]string, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			pairs = append(pairs, canonicalizeYAMLNode(node.Content[i])+":"+canonicalizeYAMLNode(node.Content[i+1]))
		}
		sort.Strings(pairs)
		return "{" + strings.Join(pairs, ",") + "}"
	default:
		return fmt.Sprintf("kind%d", node.Kind)
	}
}
