package mappers

import (
	"fmt"
	"os"
)

// Config is the per-mapper option mapping. Values are validated lazily: each
// mapper reads only the keys it needs and fails on first access to a missing
// or malformed entry.
type Config map[string]any

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// String returns a string option or its default.
func (c Config) String(key, def string) string {
	v, ok := c[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Int returns an integer option or its default.
func (c Config) Int(key string, def int) (int, error) {
	v, ok := c[key]
	if !ok {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: option %q is not an integer", ErrConfig, key)
	}
	return int(f), nil
}

// Float returns a float option or its default.
func (c Config) Float(key string, def float64) (float64, error) {
	v, ok := c[key]
	if !ok {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: option %q is not a number", ErrConfig, key)
	}
	return f, nil
}

// RequiredInt returns an integer option, failing when absent.
func (c Config) RequiredInt(key string) (int, error) {
	if _, ok := c[key]; !ok {
		return 0, fmt.Errorf("%w: missing option %q", ErrConfig, key)
	}
	return c.Int(key, 0)
}

// FloatPair returns a two-element numeric option (e.g. redshift bin edges).
func (c Config) FloatPair(key string, def [2]float64) ([2]float64, error) {
	v, ok := c[key]
	if !ok {
		return def, nil
	}
	list, ok := v.([]any)
	if !ok {
		if ff, isF := v.([]float64); isF && len(ff) == 2 {
			return [2]float64{ff[0], ff[1]}, nil
		}
		return def, fmt.Errorf("%w: option %q is not a pair", ErrConfig, key)
	}
	if len(list) != 2 {
		return def, fmt.Errorf("%w: option %q must have two elements", ErrConfig, key)
	}
	var out [2]float64
	for i, e := range list {
		f, ok := toFloat(e)
		if !ok {
			return def, fmt.Errorf("%w: option %q is not numeric", ErrConfig, key)
		}
		out[i] = f
	}
	return out, nil
}

// RequiredFloatPair returns a two-element numeric option, failing when absent.
func (c Config) RequiredFloatPair(key string) ([2]float64, error) {
	if _, ok := c[key]; !ok {
		return [2]float64{}, fmt.Errorf("%w: missing option %q", ErrConfig, key)
	}
	return c.FloatPair(key, [2]float64{})
}

// Strings returns a list-of-strings option.
func (c Config) Strings(key string) ([]string, error) {
	v, ok := c[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing option %q", ErrConfig, key)
	}
	switch x := v.(type) {
	case []string:
		return x, nil
	case []any:
		out := make([]string, len(x))
		for i, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: option %q is not a string list", ErrConfig, key)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: option %q is not a string list", ErrConfig, key)
}

// File returns a path option, failing when the option is absent or the file
// does not exist.
func (c Config) File(key string) (string, error) {
	path := c.String(key, "")
	if path == "" {
		return "", fmt.Errorf("%w: missing option %q", ErrConfig, key)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: file %s not found", ErrConfig, path)
	}
	return path, nil
}
