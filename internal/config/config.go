// Package config resolves the layered configuration: global file, project
// file, then per-item overrides, merged field-by-field with later layers
// winning. The merged result is validated and frozen into an Effective value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	ProjectFileName = "imgforge.yaml"

	DefaultProvider    = "volcengine"
	DefaultModel       = "jimeng-3.0"
	DefaultWidth       = 1024
	DefaultHeight      = 1024
	DefaultOutputDir   = "./output"
	DefaultTimeout     = 60 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 1 * time.Second
	DefaultPacingDelay = 500 * time.Millisecond
)

var validModels = []string{"jimeng-3.0", "jimeng-3.1", "jimeng-4.0"}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ConfigError carries the offending field path and a hint. The resolver
// never partially applies a config: the first validation failure aborts.
type ConfigError struct {
	Field string
	Hint  string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Hint
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Hint)
}

// Layer is one raw configuration layer as parsed from YAML.
type Layer map[string]any

// Effective is the merged configuration for one invocation. Every field has
// a value after Resolve; it is never mutated afterwards.
type Effective struct {
	Provider       string
	Model          string
	Width          int
	Height         int
	Style          string
	NegativePrompt string
	ReferenceImage string
	Seed           *int64
	OutputBaseDir  string
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	PacingDelay    time.Duration

	QuotaRedisAddr string
	QuotaPerHour   int64

	// Unknown lists field paths present in some layer but not in the known
	// schema. They are preserved in Raw and surfaced in verbose output,
	// never silently dropped.
	Unknown []string
	Raw     Layer
}

// LoadLayerFile parses one YAML layer. A missing file is not an error here;
// callers decide whether a layer is required.
func LoadLayerFile(path string) (Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var layer Layer
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return nil, &ConfigError{Field: path, Hint: "invalid YAML: " + err.Error()}
	}
	if layer == nil {
		layer = Layer{}
	}
	return layer, nil
}

// GlobalPath is ~/.imgforge/config.yaml.
func GlobalPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".imgforge", "config.yaml"), nil
}

// LoadProject loads the global and project layers for projectPath. Either
// file may be absent, in which case that layer is empty.
func LoadProject(projectPath string) (global, project Layer, err error) {
	globalPath, err := GlobalPath()
	if err == nil {
		global, err = LoadLayerFile(globalPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
	}
	if global == nil {
		global = Layer{}
	}

	project, err = LoadLayerFile(filepath.Join(projectPath, ProjectFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		project = Layer{}
	}
	return global, project, nil
}

// EnvSnapshot captures the process environment once, so interpolation is an
// explicit input rather than an ambient lookup.
func EnvSnapshot() map[string]string {
	snapshot := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			snapshot[k] = v
		}
	}
	return snapshot
}

// Resolve merges the three layers (global < project < item), interpolates
// ${NAME} / ${NAME:default} references from env, validates, and freezes the
// result.
func Resolve(global, project, item Layer, env map[string]string) (*Effective, error) {
	merged := DeepMerge(DeepMerge(map[string]any(global), map[string]any(project)), map[string]any(item))

	interpolated, err := interpolate(merged, env, "")
	if err != nil {
		return nil, err
	}
	merged = interpolated.(map[string]any)

	if err := validate(merged); err != nil {
		return nil, err
	}

	cfg := &Effective{
		Provider:      DefaultProvider,
		Model:         DefaultModel,
		Width:         DefaultWidth,
		Height:        DefaultHeight,
		OutputBaseDir: DefaultOutputDir,
		Timeout:       DefaultTimeout,
		MaxRetries:    DefaultMaxRetries,
		BackoffBase:   DefaultBackoffBase,
		PacingDelay:   DefaultPacingDelay,
		Unknown:       unknownPaths(merged),
		Raw:           merged,
	}

	api := subMap(merged, "api")
	if v, ok := stringAt(api, "provider"); ok {
		cfg.Provider = v
	}
	if v, ok := stringAt(api, "model"); ok {
		cfg.Model = v
	}
	if v, ok := durationAt(api, "timeout"); ok {
		cfg.Timeout = v
	}
	if v, ok := intAt(api, "max_retries"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := durationAt(api, "retry_delay"); ok {
		cfg.BackoffBase = v
	}
	if v, ok := durationAt(api, "pacing_delay"); ok {
		cfg.PacingDelay = v
	}

	defaults := subMap(merged, "defaults")
	if v, ok := intAt(defaults, "width"); ok {
		cfg.Width = v
	}
	if v, ok := intAt(defaults, "height"); ok {
		cfg.Height = v
	}
	if v, ok := stringAt(defaults, "style"); ok {
		cfg.Style = v
	}
	if v, ok := stringAt(defaults, "negative_prompt"); ok {
		cfg.NegativePrompt = v
	}
	if v, ok := stringAt(defaults, "reference_image"); ok {
		cfg.ReferenceImage = v
	}
	if v, ok := int64At(defaults, "seed"); ok {
		cfg.Seed = &v
	}

	output := subMap(merged, "output")
	if v, ok := stringAt(output, "base_dir"); ok {
		cfg.OutputBaseDir = v
	}

	quota := subMap(merged, "quota")
	if v, ok := stringAt(quota, "redis_addr"); ok {
		cfg.QuotaRedisAddr = v
	}
	if v, ok := int64At(quota, "per_hour"); ok {
		cfg.QuotaPerHour = v
	}

	return cfg, nil
}

// DeepMerge merges override onto base field-by-field: scalars from override
// win, nested maps recurse rather than replacing wholesale. Inputs are not
// mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		bm, baseIsMap := result[k].(map[string]any)
		om, overrideIsMap := v.(map[string]any)
		if baseIsMap && overrideIsMap {
			result[k] = DeepMerge(bm, om)
			continue
		}
		result[k] = v
	}
	return result
}

func interpolate(value any, env map[string]string, path string) (any, error) {
	switch v := value.(type) {
	case string:
		var interpErr error
		out := envPattern.ReplaceAllStringFunc(v, func(match string) string {
			if interpErr != nil {
				return match
			}
			groups := envPattern.FindStringSubmatch(match)
			name := groups[1]
			if val, ok := env[name]; ok {
				return val
			}
			if strings.Contains(match, ":") {
				return groups[2]
			}
			interpErr = &ConfigError{
				Field: path,
				Hint:  fmt.Sprintf("environment variable %s is not set (set it or use ${%s:default})", name, name),
			}
			return match
		})
		return out, interpErr
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			res, err := interpolate(item, env, childPath)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			res, err := interpolate(item, env, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return value, nil
	}
}

func validate(merged map[string]any) error {
	api := subMap(merged, "api")
	if provider, ok := stringAt(api, "provider"); ok && provider != "volcengine" {
		return &ConfigError{
			Field: "api.provider",
			Hint:  fmt.Sprintf("invalid provider %q (supported: volcengine)", provider),
		}
	}
	if model, ok := stringAt(api, "model"); ok {
		valid := false
		for _, m := range validModels {
			if model == m {
				valid = true
				break
			}
		}
		if !valid {
			return &ConfigError{
				Field: "api.model",
				Hint:  fmt.Sprintf("invalid model %q (valid: %s)", model, strings.Join(validModels, ", ")),
			}
		}
	}
	if _, present := api["max_retries"]; present {
		if v, ok := intAt(api, "max_retries"); !ok || v < 0 {
			return &ConfigError{Field: "api.max_retries", Hint: "must be a non-negative integer"}
		}
	}
	if _, present := api["timeout"]; present {
		if v, ok := durationAt(api, "timeout"); !ok || v <= 0 {
			return &ConfigError{Field: "api.timeout", Hint: "must be a positive duration (seconds or e.g. \"90s\")"}
		}
	}

	defaults := subMap(merged, "defaults")
	for _, field := range []string{"width", "height"} {
		if _, present := defaults[field]; !present {
			continue
		}
		if v, ok := intAt(defaults, field); !ok || v <= 0 {
			return &ConfigError{Field: "defaults." + field, Hint: "must be a positive integer"}
		}
	}
	if ref, present := defaults["reference_image"]; present && ref != nil {
		if _, ok := ref.(string); !ok {
			return &ConfigError{Field: "defaults.reference_image", Hint: "must be a string path"}
		}
	}
	return nil
}

// knownSchema mirrors the documented configuration surface. A nil child map
// marks a leaf; wildcard sections skip deep checking.
var knownSchema = map[string]map[string]bool{
	"api":        {"provider": true, "model": true, "timeout": true, "max_retries": true, "retry_delay": true, "pacing_delay": true},
	"defaults":   {"width": true, "height": true, "style": true, "negative_prompt": true, "reference_image": true, "seed": true},
	"output":     {"base_dir": true, "naming": true, "format": true},
	"quota":      {"redis_addr": true, "per_hour": true},
	"generation": {"prompt": true},
	"export":     nil, // export profiles are free-form
}

func unknownPaths(merged map[string]any) []string {
	var unknown []string
	for section, value := range merged {
		fields, known := knownSchema[section]
		if !known {
			unknown = append(unknown, section)
			continue
		}
		if fields == nil {
			continue
		}
		if m, ok := value.(map[string]any); ok {
			for field := range m {
				if !fields[field] {
					unknown = append(unknown, section+"."+field)
				}
			}
		}
	}
	sort.Strings(unknown)
	return unknown
}

func subMap(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func stringAt(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func intAt(m map[string]any, key string) (int, bool) {
	v, ok := int64At(m, key)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func int64At(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// durationAt accepts bare numbers (seconds, matching the original config
// format) or Go duration strings.
func durationAt(m map[string]any, key string) (time.Duration, bool) {
	switch v := m[key].(type) {
	case int:
		return time.Duration(v) * time.Second, true
	case int64:
		return time.Duration(v) * time.Second, true
	case uint64:
		return time.Duration(v) * time.Second, true
	case float64:
		return time.Duration(v * float64(time.Second)), true
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, false
		}
		return d, true
	default:
		return 0, false
	}
}
