package index

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/pkg/types"
)

// Accessor extracts one field from an event as its canonical string. Absent
// optional attributes yield "".
type Accessor func(ev *types.Event) string

// Path prefixes for accessors addressed by path.
const (
	labelsPrefix  = "labels."
	payloadPrefix = "payload."
)

// collapseEscaper escapes the separators of collapsed tags and labels so that
// distinct containers never share a string form.
var collapseEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`)

var builtinAccessors = map[string]Accessor{
	"id":   func(ev *types.Event) string { return ev.ID },
	"type": func(ev *types.Event) string { return ev.Type },
	"source": func(ev *types.Event) string {
		return ev.Attributes.Source
	},
	"latency": func(ev *types.Event) string {
		if ev.Attributes.Latency == nil {
			return ""
		}
		return strconv.FormatInt(*ev.Attributes.Latency, 10)
	},
	"value": func(ev *types.Event) string {
		if ev.Attributes.Value == nil {
			return ""
		}
		return formatNumber(*ev.Attributes.Value)
	},
	"state": func(ev *types.Event) string {
		if ev.Attributes.State == nil {
			return ""
		}
		return *ev.Attributes.State
	},
	"tags": func(ev *types.Event) string {
		parts := make([]string, len(ev.Attributes.Tags))
		for i, tag := range ev.Attributes.Tags {
			parts[i] = collapseEscaper.Replace(tag)
		}
		return strings.Join(parts, ",")
	},
	"labels": func(ev *types.Event) string {
		names := make([]string, 0, len(ev.Attributes.Labels))
		for k := range ev.Attributes.Labels {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = collapseEscaper.Replace(k) + "=" + collapseEscaper.Replace(ev.Attributes.Labels[k])
		}
		return strings.Join(parts, ",")
	},
}

// AccessorTable resolves (event type, field name) pairs to accessors. It is
// built once from configuration and read-only afterwards.
type AccessorTable struct {
	perType map[string]map[string]Accessor
}

// NewAccessorTable builds a table from per-type field aliases, each mapping a
// field name to a builtin name, "labels.<key>" or "payload.<path>".
func NewAccessorTable(aliases map[string]map[string]string) (*AccessorTable, error) {
	t := &AccessorTable{perType: make(map[string]map[string]Accessor, len(aliases))}
	for typeName, fields := range aliases {
		m := make(map[string]Accessor, len(fields))
		for field, path := range fields {
			acc, ok := pathAccessor(path)
			if !ok {
				return nil, kerrors.NewValidationError(kerrors.CodeInvalidConfig,
					fmt.Sprintf("index: type %q field %q: unknown accessor path %q", typeName, field, path))
			}
			m[field] = acc
		}
		t.perType[typeName] = m
	}
	return t, nil
}

// Lookup returns the accessor of field for events of typeName. Per-type
// aliases win over builtins and paths.
func (t *AccessorTable) Lookup(typeName, field string) (Accessor, bool) {
	if t != nil {
		if acc, ok := t.perType[typeName][field]; ok {
			return acc, true
		}
	}
	return pathAccessor(field)
}

func pathAccessor(path string) (Accessor, bool) {
	if acc, ok := builtinAccessors[path]; ok {
		return acc, true
	}
	switch {
	case strings.HasPrefix(path, labelsPrefix) && len(path) > len(labelsPrefix):
		key := path[len(labelsPrefix):]
		return func(ev *types.Event) string { return ev.Attributes.Labels[key] }, true
	case strings.HasPrefix(path, payloadPrefix) && len(path) > len(payloadPrefix):
		p := path[len(payloadPrefix):]
		return func(ev *types.Event) string { return payloadValue(ev.Payload, p) }, true
	}
	return nil, false
}

// payloadValue reads path from a JSON payload. Arrays and objects collapse to
// their compact JSON text.
func payloadValue(payload []byte, path string) string {
	if len(payload) == 0 {
		return ""
	}
	r := gjson.GetBytes(payload, path)
	switch r.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return r.Str
	case gjson.Number:
		if isIntegerLiteral(r.Raw) {
			return r.Raw
		}
		return formatNumber(r.Num)
	case gjson.True, gjson.False:
		return strconv.FormatBool(r.Bool())
	default:
		return r.Raw
	}
}

// formatNumber renders f in positional notation with the fewest digits that
// round-trip, so 1500000 and 1.5e6 share one form.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// isIntegerLiteral reports whether a JSON number literal has no fraction or
// exponent. Such literals are kept verbatim to preserve digits past 2^53.
func isIntegerLiteral(raw string) bool {
	return raw != "" && !strings.ContainsAny(raw, ".eE")
}
