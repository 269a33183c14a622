package registry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"imgforge/internal/providers"
	"imgforge/internal/providers/volcengine"
)

type BuildOptions struct {
	Provider        string
	BaseURL         string
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	Logger          zerolog.Logger
}

// Build returns the gateway for the configured provider name. Backends own
// their mode-to-identifier tables; this switch only wires construction.
func Build(opts BuildOptions) (providers.ImageProvider, error) {
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}

	switch opts.Provider {
	case "volcengine":
		return volcengine.New(volcengine.Config{
			BaseURL:         opts.BaseURL,
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			HTTPClient:      opts.HTTPClient,
			MaxRetries:      opts.MaxRetries,
			BackoffBase:     opts.BackoffBase,
			Logger:          opts.Logger,
		})

	default:
		return nil, fmt.Errorf("unsupported provider %q (supported: volcengine)", opts.Provider)
	}
}
