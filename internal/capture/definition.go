package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoInterface is returned for a definition without an interface part.
var ErrNoInterface = errors.New("definition has no interface")

// Definition is a parsed source definition of the form
//
//	interface:flag=value,flag="quoted,value",bareflag
type Definition struct {
	raw   string
	iface string
	flags []flag
}

type flag struct {
	name  string
	value string
}

// ParseDefinition splits a definition into its interface and flags.
func ParseDefinition(s string) (*Definition, error) {
	s = strings.TrimSpace(s)
	iface, rest, _ := strings.Cut(s, ":")
	if iface == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoInterface, s)
	}

	d := &Definition{raw: s, iface: iface}
	for _, item := range splitQuoted(rest, ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, _ := strings.Cut(item, "=")
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		d.flags = append(d.flags, flag{name: strings.TrimSpace(name), value: value})
	}
	return d, nil
}

// splitQuoted splits s on sep outside double quotes.
func splitQuoted(s string, sep byte) []string {
	var parts []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

func (d *Definition) String() string { return d.raw }

// Interface is the part before the first ':'.
func (d *Definition) Interface() string { return d.iface }

// Flag returns the first value of the named flag. Names ignore case.
func (d *Definition) Flag(name string) (string, bool) {
	for _, f := range d.flags {
		if strings.EqualFold(f.name, name) {
			return f.value, true
		}
	}
	return "", false
}

// FlagValues returns every value given for the named flag, in order.
func (d *Definition) FlagValues(name string) []string {
	var values []string
	for _, f := range d.flags {
		if strings.EqualFold(f.name, name) {
			values = append(values, f.value)
		}
	}
	return values
}

// FlagCount is how many times the named flag appears.
func (d *Definition) FlagCount(name string) int {
	return len(d.FlagValues(name))
}

// BoolFlag reports whether the named flag is set to true. A bare flag
// counts as true.
func (d *Definition) BoolFlag(name string) bool {
	v, ok := d.Flag(name)
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// SplitList splits a list value such as a channel list, dropping empty
// entries.
func SplitList(value string, sep rune) []string {
	fields := strings.Split(value, string(sep))
	list := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			list = append(list, f)
		}
	}
	return list
}

// AppendUniqueChannels merges b into a, skipping entries already present
// under a case-insensitive compare. The inputs are not modified.
func AppendUniqueChannels(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, ch := range list {
			key := strings.ToLower(ch)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, ch)
		}
	}
	return out
}

var frequencyUnits = []struct {
	suffix string
	scale  float64
}{
	{"ghz", 1e9},
	{"mhz", 1e6},
	{"khz", 1e3},
	{"hz", 1},
}

// ParseFrequency parses values such as "2412MHz", "1.23e5KHz" or "433920000"
// into Hz.
func ParseFrequency(s string) (float64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	scale := 1.0
	for _, u := range frequencyUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			scale = u.scale
			break
		}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency %q: %w", s, err)
	}
	return f * scale, nil
}
