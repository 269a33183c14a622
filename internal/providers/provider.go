package providers

import (
	"context"
	"time"
)

// Mode selects the generation code path. The presence of reference image
// bytes on a Request is the single source of truth for mode selection.
type Mode string

const (
	ModeTextToImage  Mode = "text_to_image"
	ModeImageToImage Mode = "image_to_image"
)

// Request is a fully resolved, provider-agnostic unit of work. Once built it
// is never mutated; backends translate it into their own wire schema.
type Request struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Model          string
	Seed           *int64
	ReferenceImage []byte
}

func (r Request) Mode() Mode {
	if len(r.ReferenceImage) > 0 {
		return ModeImageToImage
	}
	return ModeTextToImage
}

// Result is the outcome of one successful logical generation. Backends
// normalize inline base64 and remote-URL responses into Image before
// returning, so callers never branch on response shape. Duration is the
// cumulative wall time across every attempt of the request, retries included.
type Result struct {
	Image        []byte
	RequestID    string
	ModelVersion string
	Width        int
	Height       int
	Seed         *int64
	Duration     time.Duration
}

type ImageProvider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}
