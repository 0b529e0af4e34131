// Package index materializes secondary indexes: per projection of event
// fields, an extra timeline, statistics rows and a registry of observed value
// combinations.
package index

import (
	"fmt"
	"sort"
	"strings"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
	"github.com/eventkeep/eventkeep/internal/keys"
)

// Projection is one index shape: a sorted set of distinct field names.
type Projection []string

func (p Projection) String() string {
	return strings.Join(p, ",")
}

func newProjection(names []string) (Projection, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("empty projection")
	}
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("empty field name in projection %v", names)
		}
	}
	return Projection(keys.SortedNames(names)), nil
}

// Definition maps channels and event type names to the projections indexed
// for them. It is immutable once built.
type Definition struct {
	channels map[string][]Projection
	types    map[string][]Projection
}

// NewDefinition builds a definition from channel and type mappings. Each
// inner slice is one projection.
func NewDefinition(channels, types map[string][][]string) (*Definition, error) {
	d := &Definition{
		channels: make(map[string][]Projection, len(channels)),
		types:    make(map[string][]Projection, len(types)),
	}
	if err := fill(d.channels, channels, "channel"); err != nil {
		return nil, err
	}
	if err := fill(d.types, types, "type"); err != nil {
		return nil, err
	}
	return d, nil
}

func fill(dst map[string][]Projection, src map[string][][]string, kind string) error {
	for name, sets := range src {
		if name == "" {
			return kerrors.NewValidationError(kerrors.CodeInvalidConfig, fmt.Sprintf("index: empty %s name", kind))
		}
		for _, set := range sets {
			p, err := newProjection(set)
			if err != nil {
				return kerrors.NewValidationError(kerrors.CodeInvalidConfig, fmt.Sprintf("index: %s %q: %v", kind, name, err))
			}
			dst[name] = appendUnique(dst[name], p)
		}
	}
	return nil
}

func appendUnique(ps []Projection, p Projection) []Projection {
	for _, existing := range ps {
		if existing.String() == p.String() {
			return ps
		}
	}
	return append(ps, p)
}

// Projections returns the union of the projections configured for channel
// and for typeName, deduplicated and sorted.
func (d *Definition) Projections(channel, typeName string) []Projection {
	var out []Projection
	for _, p := range d.channels[channel] {
		out = appendUnique(out, p)
	}
	for _, p := range d.types[typeName] {
		out = appendUnique(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Match reports whether names form a projection that can have been indexed
// on channel: one configured for the channel or for any event type.
func (d *Definition) Match(channel string, names []string) (Projection, bool) {
	want := Projection(keys.SortedNames(names)).String()
	for _, p := range d.channels[channel] {
		if p.String() == want {
			return p, true
		}
	}
	for _, ps := range d.types {
		for _, p := range ps {
			if p.String() == want {
				return p, true
			}
		}
	}
	return nil, false
}

// Fields returns every field name some projection uses.
func (d *Definition) Fields() []string {
	var all []string
	for _, m := range []map[string][]Projection{d.channels, d.types} {
		for _, ps := range m {
			for _, p := range ps {
				all = append(all, p...)
			}
		}
	}
	return keys.SortedNames(all)
}
