package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the including file.
const includeKey = "$include"

// LoadRaw reads path into a raw map, expanding environment variables and
// merging $include files. Keys in the including file win over included ones.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{active: map[string]bool{}}
	return l.load(path)
}

type rawLoader struct {
	active map[string]bool
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	raw, err := parseRaw([]byte(os.ExpandEnv(string(data))), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		child, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, child)
	}
	return mergeMaps(merged, raw), nil
}

// parseRaw decodes JSON/JSON5 by extension and YAML otherwise.
func parseRaw(data []byte, ext string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func popIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		return nonEmpty([]string{typed}), nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return nonEmpty(paths), nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

func nonEmpty(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig round-trips the merged map through YAML so unknown keys
// are rejected and duration strings are parsed.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
