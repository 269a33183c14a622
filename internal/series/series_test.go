package series

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const iconsSeries = `name: icons
template: "{{style}} icon of {{subject}}, {{background}}"
defaults:
  style: "flat minimal"
  background: "transparent"
reference_image: reference/style.png
config:
  width: 512
  height: 512
  model: jimeng-3.1
items:
  - id: home
    subject: home
  - id: settings
    subject: settings
    background: "soft gradient"
    reference_image: reference/settings.png
`

func writeSeries(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write series: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "icons.yaml", iconsSeries)

	s, err := Load(dir, "icons")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Name != "icons" {
		t.Fatalf("name: %q", s.Name)
	}
	if len(s.Items) != 2 {
		t.Fatalf("items: %d", len(s.Items))
	}
	if s.ReferenceImage != "reference/style.png" {
		t.Fatalf("series reference: %q", s.ReferenceImage)
	}

	home := s.Items[0]
	if home.ID != "home" || home.Variables["subject"] != "home" {
		t.Fatalf("first item: %+v", home)
	}
	if _, ok := home.Variables["id"]; ok {
		t.Fatal("id leaked into variables")
	}

	settings := s.Items[1]
	if settings.ReferenceImage != "reference/settings.png" {
		t.Fatalf("item reference: %q", settings.ReferenceImage)
	}
	if settings.Variables["background"] != "soft gradient" {
		t.Fatalf("item variable: %v", settings.Variables["background"])
	}
}

func TestLoadNotFoundListsAvailable(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "icons.yaml", iconsSeries)
	writeSeries(t, dir, "banners.yml", strings.Replace(iconsSeries, "name: icons", "name: banners", 1))

	_, err := Load(dir, "missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if len(nf.Available) != 2 || nf.Available[0] != "banners" || nf.Available[1] != "icons" {
		t.Fatalf("available not sorted: %v", nf.Available)
	}
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()

	writeSeries(t, dir, "dup.yaml", `template: "{{x}}"
items:
  - id: a
    x: 1
  - id: a
    x: 2
`)
	_, err := Load(dir, "dup")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), `duplicate item id "a"`) {
		t.Fatalf("message: %v", err)
	}

	writeSeries(t, dir, "empty.yaml", `template: "{{x}}"
items: []
`)
	if _, err := Load(dir, "empty"); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for empty items, got %v", err)
	}

	writeSeries(t, dir, "badtpl.yaml", `template: "broken {{name"
items:
  - id: a
`)
	_, err = Load(dir, "badtpl")
	if !errors.As(err, &ve) || !strings.Contains(err.Error(), "unclosed") {
		t.Fatalf("expected template issue, got %v", err)
	}
}

func TestNameDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, "avatars.yaml", `template: "avatar of {{who}}"
items:
  - id: a
    who: someone
`)
	s, err := Load(dir, "avatars")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Name != "avatars" {
		t.Fatalf("name: %q", s.Name)
	}
}

func TestConfigLayer(t *testing.T) {
	s := &Series{Config: map[string]any{
		"width":  512,
		"model":  "jimeng-4.0",
		"output": map[string]any{"base_dir": "custom"},
	}}

	layer := s.ConfigLayer()
	api := layer["api"].(map[string]any)
	if api["model"] != "jimeng-4.0" {
		t.Fatalf("model not lifted to api: %v", layer)
	}
	defaults := layer["defaults"].(map[string]any)
	if defaults["width"] != 512 {
		t.Fatalf("width not lifted to defaults: %v", layer)
	}
	output := layer["output"].(map[string]any)
	if output["base_dir"] != "custom" {
		t.Fatalf("nested section not preserved: %v", layer)
	}
}
