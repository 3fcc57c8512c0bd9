package module

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DescriptorFileName is the name of the descriptor in every module directory.
const DescriptorFileName = "module.desc"

// Descriptor is the parsed module.desc of a module directory. It is
// immutable, all accessors return copies.
type Descriptor struct {
	m map[string]any
}

// NewDescriptor creates a descriptor from already decoded keys.
func NewDescriptor(m map[string]any) Descriptor {
	return Descriptor{m: maps.Clone(m)}
}

// ParseDescriptor decodes a YAML document which must be a mapping.
func ParseDescriptor(r io.Reader) (Descriptor, error) {
	var m map[string]any
	err := yaml.NewDecoder(r).Decode(&m)
	switch {
	case errors.Is(err, io.EOF):
		return Descriptor{}, fmt.Errorf("%w: empty document", ErrBadDescriptor)
	case err != nil:
		return Descriptor{}, fmt.Errorf("%w: %w", ErrBadDescriptor, err)
	case m == nil:
		return Descriptor{}, fmt.Errorf("%w: empty document", ErrBadDescriptor)
	}
	return Descriptor{m: m}, nil
}

// LoadDescriptor reads and parses a module.desc file.
func LoadDescriptor(path string) (Descriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading descriptor: %w", err)
	}
	d, err := ParseDescriptor(bytes.NewReader(b))
	if err != nil {
		return Descriptor{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return d, nil
}

// FindDescriptor locates a module by name or path the way a developer
// testing a single module expects: module may be a path to a module.desc,
// a module directory, or a module name which is looked up in ./,
// src/modules/ and modules/ relative to the working directory.
// It returns the descriptor path.
func FindDescriptor(module string) (string, error) {
	candidates := []string{module}
	if filepath.Base(module) != DescriptorFileName {
		candidates = append(candidates, filepath.Join(module, DescriptorFileName))
	}
	if !filepath.IsAbs(module) {
		for _, prefix := range []string{".", filepath.Join("src", "modules"), "modules"} {
			candidates = append(candidates, filepath.Join(prefix, module, DescriptorFileName))
		}
	}
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	return "", fmt.Errorf("%w: no %s for %q", ErrBadModuleDirectory, DescriptorFileName, module)
}

func (d Descriptor) Map() map[string]any {
	return maps.Clone(d.m)
}

func (d Descriptor) Has(key string) bool {
	_, ok := d.m[key]
	return ok
}

func (d Descriptor) Name() string      { return d.GetString("name") }
func (d Descriptor) Type() string      { return d.GetString("type") }
func (d Descriptor) Interface() string { return d.GetString("interface") }
func (d Descriptor) Emergency() bool   { return d.GetBool("emergency", false) }

// GetString returns the key as a string. Scalars are formatted, anything
// else results in an empty string.
func (d Descriptor) GetString(key string) string {
	return toString(d.m[key])
}

func (d Descriptor) GetBool(key string, def bool) bool {
	return toBool(d.m[key], def)
}

func (d Descriptor) GetInt(key string, def int) int {
	return toInt(d.m[key], def)
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func toBool(v any, def bool) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func toInt(v any, def int) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	case string:
		i, err := strconv.Atoi(x)
		if err != nil {
			return def
		}
		return i
	default:
		return def
	}
}
