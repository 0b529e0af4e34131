// Package keys maps channels, index projections and statistics granularities
// to canonical storage row keys.
//
// Every variable-length component is written as a uvarint length followed by
// its bytes, after a one-byte shape tag. The encoding is therefore
// self-delimiting: field names and values may contain any byte, including
// the characters other encodings would use as separators, without two
// distinct logical keys ever producing the same row.
package keys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eventkeep/eventkeep/pkg/types"
)

// Shape tags.
const (
	tagBasic      = 'b'
	tagIndex      = 'i'
	tagShape      = 's'
	tagStatistics = 'g'
)

// ChannelRegistryRow is the fixed sentinel row of the channel registry.
const ChannelRegistryRow = "channels"

// ErrMalformedKey is returned when decoding bytes that no encoder produced.
var ErrMalformedKey = errors.New("keys: malformed key")

// Field is one (name, value) pair of an index key.
type Field struct {
	Name  string
	Value string
}

// Key addresses a timeline or counter row. The zero value is not valid;
// build keys with Basic, Index or Shape.
type Key struct {
	tag     byte
	channel string
	fields  []Field
}

// Basic returns the key of a channel's own timeline and statistics.
func Basic(channel string) Key {
	return Key{tag: tagBasic, channel: channel}
}

// Index returns the key of a channel's timeline and statistics restricted to
// one combination of field values. Field order does not matter.
func Index(channel string, values map[string]string) Key {
	fields := make([]Field, 0, len(values))
	for name, value := range values {
		fields = append(fields, Field{Name: name, Value: value})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return Key{tag: tagIndex, channel: channel, fields: fields}
}

// Shape returns the value-free key of an index projection. Its row holds one
// counter column per observed value combination.
func Shape(channel string, names []string) Key {
	sorted := SortedNames(names)
	fields := make([]Field, len(sorted))
	for i, name := range sorted {
		fields[i] = Field{Name: name}
	}
	return Key{tag: tagShape, channel: channel, fields: fields}
}

// SortedNames returns the distinct names in ascending order.
func SortedNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Channel returns the channel the key belongs to.
func (k Key) Channel() string { return k.channel }

// IsIndex reports whether the key is restricted by field values.
func (k Key) IsIndex() bool { return k.tag == tagIndex }

// Fields returns a copy of the key's fields in name order.
func (k Key) Fields() []Field {
	out := make([]Field, len(k.fields))
	copy(out, k.fields)
	return out
}

// Names returns the key's field names in order.
func (k Key) Names() []string {
	out := make([]string, len(k.fields))
	for i, f := range k.fields {
		out[i] = f.Name
	}
	return out
}

// Row returns the encoded row key.
func (k Key) Row() string {
	buf := make([]byte, 0, 16+len(k.channel)+16*len(k.fields))
	buf = append(buf, k.tag)
	buf = appendString(buf, k.channel)
	if k.tag == tagBasic {
		return string(buf)
	}
	buf = binary.AppendUvarint(buf, uint64(len(k.fields)))
	for _, f := range k.fields {
		buf = appendString(buf, f.Name)
		if k.tag == tagIndex {
			buf = appendString(buf, f.Value)
		}
	}
	return string(buf)
}

// Statistics returns the row key of the counter row for k at granularity g.
func (k Key) Statistics(g types.Granularity) string {
	return string([]byte{tagStatistics, g.Tag()}) + k.Row()
}

// String renders the key for logs, e.g. "ingest[host=a,status=500]".
func (k Key) String() string {
	if len(k.fields) == 0 {
		return k.channel
	}
	parts := make([]string, len(k.fields))
	for i, f := range k.fields {
		if k.tag == tagIndex {
			parts[i] = f.Name + "=" + f.Value
		} else {
			parts[i] = f.Name
		}
	}
	return k.channel + "[" + strings.Join(parts, ",") + "]"
}

// Decode parses a row produced by Row.
func Decode(row string) (Key, error) {
	b := []byte(row)
	if len(b) == 0 {
		return Key{}, ErrMalformedKey
	}
	k := Key{tag: b[0]}
	if k.tag != tagBasic && k.tag != tagIndex && k.tag != tagShape {
		return Key{}, fmt.Errorf("%w: unknown tag %q", ErrMalformedKey, k.tag)
	}
	rest := b[1:]
	var err error
	if k.channel, rest, err = readString(rest); err != nil {
		return Key{}, err
	}
	if k.tag == tagBasic {
		if len(rest) != 0 {
			return Key{}, fmt.Errorf("%w: trailing bytes", ErrMalformedKey)
		}
		return k, nil
	}
	n, sz := binary.Uvarint(rest)
	if sz <= 0 || n > uint64(len(rest)) {
		return Key{}, fmt.Errorf("%w: bad field count", ErrMalformedKey)
	}
	rest = rest[sz:]
	k.fields = make([]Field, n)
	for i := range k.fields {
		if k.fields[i].Name, rest, err = readString(rest); err != nil {
			return Key{}, err
		}
		if k.tag == tagIndex {
			if k.fields[i].Value, rest, err = readString(rest); err != nil {
				return Key{}, err
			}
		}
	}
	if len(rest) != 0 {
		return Key{}, fmt.Errorf("%w: trailing bytes", ErrMalformedKey)
	}
	return k, nil
}

// EncodeValues encodes an ordered value tuple as a registry column name.
func EncodeValues(values []string) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(values)))
	for _, v := range values {
		buf = appendString(buf, v)
	}
	return buf
}

// DecodeValues parses a column name produced by EncodeValues.
func DecodeValues(b []byte) ([]string, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 || n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: bad value count", ErrMalformedKey)
	}
	rest := b[sz:]
	out := make([]string, n)
	var err error
	for i := range out {
		if out[i], rest, err = readString(rest); err != nil {
			return nil, err
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedKey)
	}
	return out, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return "", nil, fmt.Errorf("%w: bad length", ErrMalformedKey)
	}
	b = b[sz:]
	if n > uint64(len(b)) {
		return "", nil, fmt.Errorf("%w: truncated component", ErrMalformedKey)
	}
	return string(b[:n]), b[n:], nil
}
