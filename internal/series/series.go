// Package series loads named batch definitions: one template, shared
// defaults, a config override block, and a list of items.
package series

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"imgforge/internal/config"
	"imgforge/internal/template"
)

// Item is one unit of work. Variables holds every key from the item block
// except id and reference_image.
type Item struct {
	ID             string
	ReferenceImage string
	Variables      map[string]any
}

type Series struct {
	Name           string
	Template       string
	Defaults       map[string]any
	ReferenceImage string
	Config         map[string]any
	Items          []Item
}

// NotFoundError lists the series that do exist, sorted, so the user can
// correct a typo without listing the directory themselves.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("series %q not found", e.Name)
	if len(e.Available) > 0 {
		msg += ". Available series: " + strings.Join(e.Available, ", ")
	}
	return msg
}

type ValidationError struct {
	Series   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("series %q: %s", e.Series, strings.Join(e.Problems, "; "))
}

type rawSeries struct {
	Name           string           `yaml:"name"`
	Template       string           `yaml:"template"`
	Defaults       map[string]any   `yaml:"defaults"`
	ReferenceImage string           `yaml:"reference_image"`
	Config         map[string]any   `yaml:"config"`
	Items          []map[string]any `yaml:"items"`
}

// Load finds name under dir (name.yaml or name.yml) and parses it.
func Load(dir, name string) (*Series, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		s, err := LoadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return s, err
	}
	available, _ := List(dir)
	return nil, &NotFoundError{Name: name, Available: available}
}

// LoadFile parses and validates a single series definition.
func LoadFile(path string) (*Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw rawSeries
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{
			Series:   filepath.Base(path),
			Problems: []string{"invalid YAML: " + err.Error()},
		}
	}

	s := &Series{
		Name:           raw.Name,
		Template:       raw.Template,
		Defaults:       raw.Defaults,
		ReferenceImage: raw.ReferenceImage,
		Config:         raw.Config,
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.Defaults == nil {
		s.Defaults = map[string]any{}
	}

	var problems []string
	if s.Template == "" {
		problems = append(problems, "template is required")
	} else {
		for _, issue := range template.New(true).Validate(s.Template) {
			problems = append(problems, "template: "+issue.String())
		}
	}
	if len(raw.Items) == 0 {
		problems = append(problems, "items must not be empty")
	}

	seen := map[string]bool{}
	for i, rawItem := range raw.Items {
		item := Item{Variables: map[string]any{}}
		for k, v := range rawItem {
			switch k {
			case "id":
				if id, ok := v.(string); ok {
					item.ID = id
				}
			case "reference_image":
				if ref, ok := v.(string); ok {
					item.ReferenceImage = ref
				}
			default:
				item.Variables[k] = v
			}
		}
		if item.ID == "" {
			problems = append(problems, fmt.Sprintf("item %d: id is required", i))
			continue
		}
		if seen[item.ID] {
			problems = append(problems, fmt.Sprintf("duplicate item id %q", item.ID))
			continue
		}
		seen[item.ID] = true
		s.Items = append(s.Items, item)
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Series: s.Name, Problems: problems}
	}
	return s, nil
}

// List returns the series names available under dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// Item returns the item with the given id, if present.
func (s *Series) Item(id string) (Item, bool) {
	for _, item := range s.Items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}

// ConfigLayer lifts the series config block into the layered-config schema,
// so flat overrides like width or model land on the right nested field.
func (s *Series) ConfigLayer() config.Layer {
	layer := config.Layer{}
	api := map[string]any{}
	defaults := map[string]any{}
	for k, v := range s.Config {
		switch k {
		case "provider", "model", "timeout", "max_retries", "retry_delay", "pacing_delay":
			api[k] = v
		case "width", "height", "style", "negative_prompt", "seed":
			defaults[k] = v
		default:
			layer[k] = v
		}
	}
	if len(api) > 0 {
		layer["api"] = api
	}
	if len(defaults) > 0 {
		layer["defaults"] = defaults
	}
	return layer
}
