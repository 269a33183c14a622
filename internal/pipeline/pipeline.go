// Package pipeline drives one generation end to end: resolve configuration,
// render the prompt, load the optional reference image, call the provider,
// write the output file, and record history. Series runs iterate items
// sequentially with continue-on-failure semantics and inter-call pacing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"imgforge/internal/config"
	"imgforge/internal/history"
	"imgforge/internal/metrics"
	"imgforge/internal/providers"
	"imgforge/internal/quota"
	"imgforge/internal/refimage"
	"imgforge/internal/series"
	"imgforge/internal/template"
)

type Options struct {
	Config      *config.Effective
	Provider    providers.ImageProvider
	Store       *history.Store
	Limiter     *quota.Limiter
	ProjectRoot string
	Strict      bool
	DryRun      bool
	Logger      zerolog.Logger
}

type Pipeline struct {
	cfg      *config.Effective
	provider providers.ImageProvider
	store    *history.Store
	limiter  *quota.Limiter
	engine   *template.Engine
	root     string
	dryRun   bool
	log      zerolog.Logger

	now func() time.Time
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		cfg:      opts.Config,
		provider: opts.Provider,
		store:    opts.Store,
		limiter:  opts.Limiter,
		engine:   template.New(opts.Strict),
		root:     opts.ProjectRoot,
		dryRun:   opts.DryRun,
		log:      opts.Logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// ItemInput is one fully described unit of work before resolution.
type ItemInput struct {
	Template        string
	Values          map[string]any
	Defaults        map[string]any
	SeriesName      string
	ItemID          string
	ItemReference   string
	SeriesReference string
}

// Result is what the CLI layer renders. Err and Success are mutually
// exclusive; dry runs report Success with no OutputPath or HistoryID.
type Result struct {
	ItemID         string
	Success        bool
	DryRun         bool
	ResolvedPrompt string
	Model          string
	Width          int
	Height         int
	Mode           providers.Mode
	OutputPath     string
	HistoryID      string
	Duration       time.Duration
	Err            error

	providerCalled bool
}

type ItemFailure struct {
	ItemID string
	Reason string
}

type Summary struct {
	Attempted int
	Succeeded int
	Failed    int
	WallTime  time.Duration
	Failures  []ItemFailure
	Results   []Result
}

// RunItem executes the single-item path. Per-item failures come back inside
// the Result; callers decide whether the error class aborts a larger run.
func (p *Pipeline) RunItem(ctx context.Context, in ItemInput) Result {
	started := p.now()
	res := Result{
		ItemID: in.ItemID,
		DryRun: p.dryRun,
		Model:  p.cfg.Model,
		Width:  p.cfg.Width,
		Height: p.cfg.Height,
		Mode:   providers.ModeTextToImage,
	}

	rendered, err := p.engine.Render(in.Template, in.Values, in.Defaults)
	if err != nil {
		return p.fail(res, started, in, err)
	}
	res.ResolvedPrompt = p.applyStyle(rendered)

	if p.dryRun {
		if p.referencePath(in) != "" {
			res.Mode = providers.ModeImageToImage
		}
		res.Success = true
		return res
	}

	metrics.Global().GenerationsAttempted.Inc()

	asset, err := refimage.Resolve(p.root, in.ItemReference, in.SeriesReference, p.cfg.ReferenceImage)
	if err != nil {
		return p.fail(res, started, in, err)
	}

	req := providers.Request{
		Prompt:         res.ResolvedPrompt,
		NegativePrompt: p.cfg.NegativePrompt,
		Width:          p.cfg.Width,
		Height:         p.cfg.Height,
		Model:          p.cfg.Model,
		Seed:           p.cfg.Seed,
	}
	if asset != nil {
		req.ReferenceImage = asset.Bytes
		res.Mode = providers.ModeImageToImage
	}

	if err := p.checkQuota(ctx); err != nil {
		return p.fail(res, started, in, err)
	}

	p.log.Info().
		Str("model", req.Model).
		Str("mode", string(res.Mode)).
		Str("item", in.ItemID).
		Msg("requesting generation")

	res.providerCalled = true
	genRes, err := p.provider.Generate(ctx, req)
	if err != nil {
		return p.fail(res, started, in, err)
	}
	res.Duration = genRes.Duration

	id := history.NewID(started, in.ItemID, res.ResolvedPrompt)
	outputPath, err := p.writeOutput(id, genRes.Image)
	if err != nil {
		return p.fail(res, started, in, err)
	}
	res.OutputPath = outputPath
	res.HistoryID = id
	res.Success = true

	sum, size := history.ImageIntegrity(genRes.Image)
	p.record(history.Entry{
		ID:             id,
		Timestamp:      history.Timestamp(started),
		Prompt:         in.Template,
		ResolvedPrompt: res.ResolvedPrompt,
		Model:          p.cfg.Model,
		Params:         history.Params{Width: p.cfg.Width, Height: p.cfg.Height, Seed: p.cfg.Seed},
		OutputPath:     outputPath,
		Status:         history.StatusSuccess,
		DurationMS:     genRes.Duration.Milliseconds(),
		Series:         in.SeriesName,
		ItemID:         in.ItemID,
		ImageSHA256:    sum,
		ImageSize:      size,
	})

	metrics.Global().GenerationsSucceeded.Inc()
	return res
}

// RunSeries iterates items in declaration order. Per-item failures are
// captured and the batch continues; authentication and config errors abort
// the rest of the run since no later item could succeed.
func (p *Pipeline) RunSeries(ctx context.Context, s *series.Series, limit int) (Summary, error) {
	runStart := p.now()
	var summary Summary
	var lastCallEnd time.Time

	items := s.Items
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	for _, item := range items {
		if !lastCallEnd.IsZero() {
			if err := p.pace(ctx, lastCallEnd); err != nil {
				summary.WallTime = p.now().Sub(runStart)
				return summary, err
			}
		}

		res := p.RunItem(ctx, ItemInput{
			Template:        s.Template,
			Values:          item.Variables,
			Defaults:        s.Defaults,
			SeriesName:      s.Name,
			ItemID:          item.ID,
			ItemReference:   item.ReferenceImage,
			SeriesReference: s.ReferenceImage,
		})
		// pacing is measured from the end of an actual provider call; items
		// that failed before reaching the provider do not delay the next one
		if res.providerCalled {
			lastCallEnd = p.now()
		}

		summary.Attempted++
		summary.Results = append(summary.Results, res)
		if res.Success {
			summary.Succeeded++
			continue
		}

		summary.Failed++
		summary.Failures = append(summary.Failures, ItemFailure{ItemID: item.ID, Reason: res.Err.Error()})

		if abortsRun(res.Err) {
			summary.WallTime = p.now().Sub(runStart)
			return summary, fmt.Errorf("aborting run after item %s: %w", item.ID, res.Err)
		}
	}

	summary.WallTime = p.now().Sub(runStart)
	return summary, nil
}

// pace enforces the minimum delay between consecutive provider calls,
// measured from the end of one call to the start of the next.
func (p *Pipeline) pace(ctx context.Context, lastCallEnd time.Time) error {
	remaining := p.cfg.PacingDelay - p.now().Sub(lastCallEnd)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}

func (p *Pipeline) checkQuota(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	allowed, used, resetAt, err := p.limiter.Allow(ctx, p.provider.Name(), p.cfg.Model, p.now())
	if err != nil {
		// quota backend being down should not block generation
		p.log.Warn().Err(err).Msg("quota check failed, proceeding")
		return nil
	}
	if !allowed {
		return &providers.RateLimitError{
			Provider:   p.provider.Name(),
			RetryAfter: resetAt.Sub(p.now()),
		}
	}
	p.log.Debug().Int64("used", used).Time("reset_at", resetAt).Msg("quota consumed")
	return nil
}

func (p *Pipeline) applyStyle(rendered string) string {
	if p.cfg.Style == "" {
		return rendered
	}
	if strings.Contains(rendered, p.cfg.Style) {
		return rendered
	}
	return p.cfg.Style + ", " + rendered
}

func (p *Pipeline) referencePath(in ItemInput) string {
	switch {
	case in.ItemReference != "":
		return in.ItemReference
	case in.SeriesReference != "":
		return in.SeriesReference
	default:
		return p.cfg.ReferenceImage
	}
}

func (p *Pipeline) writeOutput(id string, image []byte) (string, error) {
	dir := p.cfg.OutputBaseDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.root, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, id+".png")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	return path, nil
}

// fail finalizes a per-item failure: metrics, a failed history entry, and
// the error attached to the result. History write problems are logged, not
// escalated; the in-memory result still reaches the caller.
func (p *Pipeline) fail(res Result, started time.Time, in ItemInput, err error) Result {
	res.Success = false
	res.Err = err
	res.Duration = p.now().Sub(started)

	p.log.Error().Err(err).Str("item", in.ItemID).Msg("generation failed")
	if p.dryRun {
		return res
	}
	metrics.Global().GenerationsFailed.Inc()

	p.record(history.Entry{
		ID:             history.NewID(started, in.ItemID, firstNonEmpty(res.ResolvedPrompt, in.Template)),
		Timestamp:      history.Timestamp(started),
		Prompt:         in.Template,
		ResolvedPrompt: res.ResolvedPrompt,
		Model:          p.cfg.Model,
		Params:         history.Params{Width: p.cfg.Width, Height: p.cfg.Height, Seed: p.cfg.Seed},
		Status:         history.StatusFailed,
		DurationMS:     res.Duration.Milliseconds(),
		Series:         in.SeriesName,
		ItemID:         in.ItemID,
		Error:          err.Error(),
	})
	return res
}

func (p *Pipeline) record(entry history.Entry) {
	if p.store == nil {
		return
	}
	if err := p.store.Record(entry); err != nil {
		p.log.Warn().Err(err).Str("id", entry.ID).Msg("history write failed")
	}
}

func abortsRun(err error) bool {
	if providers.IsAuthentication(err) {
		return true
	}
	var ce *config.ConfigError
	return errors.As(err, &ce)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
