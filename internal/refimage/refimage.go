// Package refimage locates and loads the optional reference image that
// switches a generation from text-to-image to image-to-image.
package refimage

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"
)

// Source names the precedence level that supplied the winning path, so a bad
// path is reported against the right place.
type Source string

const (
	SourceItem    Source = "item"
	SourceSeries  Source = "series"
	SourceProject Source = "project config"
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// Asset is a loaded, decoded-checked reference image ready for transport.
type Asset struct {
	Path   string
	Source Source
	Format string
	Bytes  []byte
}

type Error struct {
	Path   string
	Source Source
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("reference image %q (from %s): %s", e.Path, e.Source, e.Reason)
}

// Resolve picks the highest-precedence reference path (item > series >
// project default), loads and sanity-checks it. All paths are resolved
// relative to projectRoot. A nil Asset with nil error means no reference is
// configured and the caller should use text-to-image mode.
func Resolve(projectRoot, itemPath, seriesPath, projectPath string) (*Asset, error) {
	path, source := pick(itemPath, seriesPath, projectPath)
	if path == "" {
		return nil, nil
	}
	return load(projectRoot, path, source)
}

func pick(itemPath, seriesPath, projectPath string) (string, Source) {
	switch {
	case itemPath != "":
		return itemPath, SourceItem
	case seriesPath != "":
		return seriesPath, SourceSeries
	case projectPath != "":
		return projectPath, SourceProject
	default:
		return "", ""
	}
}

func load(projectRoot, path string, source Source) (*Asset, error) {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(projectRoot, resolved)
	}

	ext := strings.ToLower(filepath.Ext(resolved))
	if !allowedExtensions[ext] {
		return nil, &Error{
			Path:   path,
			Source: source,
			Reason: fmt.Sprintf("unsupported extension %q (allowed: .png, .jpg, .jpeg)", ext),
		}
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Path: path, Source: source, Reason: "file does not exist"}
		}
		return nil, &Error{Path: path, Source: source, Reason: "unreadable: " + err.Error()}
	}

	_, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Path: path, Source: source, Reason: "corrupt or not an image: " + err.Error()}
	}

	return &Asset{Path: resolved, Source: source, Format: format, Bytes: data}, nil
}
