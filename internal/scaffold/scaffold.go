// Package scaffold creates the on-disk project layout the pipeline reads:
// imgforge.yaml, series definitions, and the output/history/reference dirs.
package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
)

const projectConfig = `# imgforge project configuration.
# Values here override the global config (~/.imgforge/config.yaml);
# series config blocks override values here.

api:
  provider: volcengine
  model: jimeng-3.0
  timeout: 60
  max_retries: 3

defaults:
  width: 1024
  height: 1024
  # style: "flat minimal"
  # negative_prompt: "blurry, low quality"
  # reference_image: reference/base.png

output:
  base_dir: ./output

# Credentials come from the environment (or a .env file):
#   VOLCENGINE_ACCESS_KEY_ID
#   VOLCENGINE_SECRET_ACCESS_KEY
`

const sampleSeries = `# Sample series. Run it with:
#   imgforge generate -series icons
name: icons
template: "{{style}} icon of {{subject}}, {{background}}"
defaults:
  style: "flat minimal"
  background: "transparent"
# reference_image: reference/style.png   # applies to every item
# config:
#   width: 512
#   height: 512
items:
  - id: home
    subject: home
  - id: settings
    subject: settings
    background: "soft gradient"
`

var dirs = []string{"series", "output", "history", "reference"}

// Init lays out a new project under root. Existing files are left alone so
// re-running init is safe.
func Init(root string) ([]string, error) {
	var created []string

	for _, dir := range dirs {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return created, fmt.Errorf("create %s: %w", path, err)
		}
	}

	files := map[string]string{
		filepath.Join(root, "imgforge.yaml"):        projectConfig,
		filepath.Join(root, "series", "icons.yaml"): sampleSeries,
	}
	for path, content := range files {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return created, fmt.Errorf("write %s: %w", path, err)
		}
		created = append(created, path)
	}
	return created, nil
}
