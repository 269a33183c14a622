// Package export resizes a finished image into platform asset buckets. It
// consumes files the pipeline produced and never touches the network.
package export

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	_ "image/jpeg"
)

// Bucket is one output size within a profile. Scale multiplies the base
// dimensions of the source image.
type Bucket struct {
	Suffix string
	Scale  float64
}

var profiles = map[string][]Bucket{
	"ios": {
		{Suffix: "@1x", Scale: 1.0 / 3.0},
		{Suffix: "@2x", Scale: 2.0 / 3.0},
		{Suffix: "@3x", Scale: 1.0},
	},
	"android": {
		{Suffix: "mdpi", Scale: 0.25},
		{Suffix: "hdpi", Scale: 0.375},
		{Suffix: "xhdpi", Scale: 0.5},
		{Suffix: "xxhdpi", Scale: 0.75},
		{Suffix: "xxxhdpi", Scale: 1.0},
	},
}

// Profiles returns the known profile names, for CLI help output.
func Profiles() []string {
	return []string{"ios", "android"}
}

type Options struct {
	Profile string
	OutDir  string
	WebP    bool
}

// Exported describes one written asset.
type Exported struct {
	Path   string
	Width  int
	Height int
}

// Run reads srcPath and writes one resized asset per bucket of the profile.
// Output names are {base}_{suffix}.png (or .webp).
func Run(srcPath string, opts Options) ([]Exported, error) {
	buckets, ok := profiles[opts.Profile]
	if !ok {
		return nil, fmt.Errorf("unknown export profile %q (known: %s)", opts.Profile, strings.Join(Profiles(), ", "))
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("read source image: %w", err)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(srcPath)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	bounds := src.Bounds()

	var results []Exported
	for _, bucket := range buckets {
		w := int(float64(bounds.Dx()) * bucket.Scale)
		h := int(float64(bounds.Dy()) * bucket.Scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}

		resized := resizeNearest(src, w, h)

		ext := ".png"
		if opts.WebP {
			ext = ".webp"
		}
		path := filepath.Join(outDir, fmt.Sprintf("%s_%s%s", base, bucket.Suffix, ext))

		var encoded []byte
		if opts.WebP {
			encoded, err = encodeWebP(resized)
		} else {
			encoded, err = encodePNG(resized)
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		results = append(results, Exported{Path: path, Width: w, Height: h})
	}
	return results, nil
}

// BucketSizes reports the dimensions each bucket of a profile would produce
// for a source of the given size, without doing any work.
func BucketSizes(profile string, srcW, srcH int) (map[string][2]int, error) {
	buckets, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown export profile %q", profile)
	}
	sizes := make(map[string][2]int, len(buckets))
	for _, bucket := range buckets {
		w := int(float64(srcW) * bucket.Scale)
		h := int(float64(srcH) * bucket.Scale)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		sizes[bucket.Suffix] = [2]int{w, h}
	}
	return sizes, nil
}

func resizeNearest(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	b := src.Bounds()
	srcW := b.Dx()
	srcH := b.Dy()
	if srcW <= 0 || srcH <= 0 {
		return dst
	}

	for y := 0; y < height; y++ {
		srcY := b.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := b.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func encodeWebP(img image.Image) ([]byte, error) {
	opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, 85)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := webp.Encode(&out, img, opts); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
