package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"imgforge/internal/config"
	"imgforge/internal/export"
	"imgforge/internal/history"
	"imgforge/internal/pipeline"
	"imgforge/internal/providers/registry"
	"imgforge/internal/quota"
	"imgforge/internal/scaffold"
	"imgforge/internal/series"
)

func main() {
	global := flag.NewFlagSet("imgforge", flag.ExitOnError)
	projectRoot := global.String("project", ".", "project root directory")
	logLevel := global.String("log-level", "info", "log level (debug, info, warn, error)")
	metricsAddr := global.String("metrics-addr", "", "serve prometheus metrics on this address")
	if err := global.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("parse flags")
	}

	// .env is optional; credentials may come from the real environment
	_ = godotenv.Load(filepath.Join(*projectRoot, ".env"))

	setupLogger(*logLevel)

	args := global.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	var err error
	switch args[0] {
	case "generate":
		err = runGenerate(ctx, *projectRoot, args[1:])
	case "history":
		err = runHistory(*projectRoot, args[1:])
	case "export":
		err = runExport(args[1:])
	case "init":
		err = runInit(*projectRoot)
	case "config":
		err = runConfig(*projectRoot, args[1:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg(args[0] + " failed")
	}
}

func runGenerate(ctx context.Context, projectRoot string, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	prompt := fs.String("prompt", "", "prompt template for a one-off generation")
	seriesName := fs.String("series", "", "series name to run (from the series/ directory)")
	width := fs.Int("width", 0, "image width override")
	height := fs.Int("height", 0, "image height override")
	model := fs.String("model", "", "model override (jimeng-3.0, jimeng-3.1, jimeng-4.0)")
	style := fs.String("style", "", "style prefix override")
	seed := fs.Int64("seed", 0, "seed override (0 means provider-chosen)")
	output := fs.String("output", "", "output directory override")
	limit := fs.Int("limit", 0, "run at most this many items of the series")
	dryRun := fs.Bool("dry-run", false, "render prompts only, no provider calls or history")
	strict := fs.Bool("strict", true, "fail on unresolved template variables")
	format := fs.String("format", "text", "output format: text, json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *prompt == "" && *seriesName == "" {
		return fmt.Errorf("either -prompt or -series is required")
	}
	if *prompt != "" && *seriesName != "" {
		return fmt.Errorf("-prompt and -series are mutually exclusive")
	}

	globalLayer, projectLayer, err := config.LoadProject(projectRoot)
	if err != nil {
		return err
	}

	var s *series.Series
	itemLayer := config.Layer{}
	if *seriesName != "" {
		s, err = series.Load(filepath.Join(projectRoot, "series"), *seriesName)
		if err != nil {
			return err
		}
		itemLayer = s.ConfigLayer()
	}
	itemLayer = config.DeepMerge(itemLayer, flagLayer(*model, *style, *output, *width, *height, *seed))

	cfg, err := config.Resolve(globalLayer, projectLayer, itemLayer, config.EnvSnapshot())
	if err != nil {
		return err
	}
	for _, field := range cfg.Unknown {
		log.Debug().Str("field", field).Msg("unrecognized config field")
	}

	opts := pipeline.Options{
		Config:      cfg,
		Store:       history.NewStore(filepath.Join(projectRoot, "history")),
		ProjectRoot: projectRoot,
		Strict:      *strict,
		DryRun:      *dryRun,
		Logger:      log.Logger,
	}
	if !*dryRun {
		provider, err := registry.Build(registry.BuildOptions{
			Provider:        cfg.Provider,
			AccessKeyID:     os.Getenv("VOLCENGINE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("VOLCENGINE_SECRET_ACCESS_KEY"),
			Timeout:         cfg.Timeout,
			MaxRetries:      cfg.MaxRetries,
			BackoffBase:     cfg.BackoffBase,
			Logger:          log.Logger,
		})
		if err != nil {
			return err
		}
		opts.Provider = provider

		if cfg.QuotaRedisAddr != "" && cfg.QuotaPerHour > 0 {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.QuotaRedisAddr})
			defer rdb.Close()
			opts.Limiter = quota.NewLimiter(rdb, cfg.QuotaPerHour)
		}
	}

	p := pipeline.New(opts)

	if s != nil {
		summary, runErr := p.RunSeries(ctx, s, *limit)
		if err := printSummary(summary, *format); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
		if summary.Failed > 0 {
			os.Exit(1)
		}
		return nil
	}

	res := p.RunItem(ctx, pipeline.ItemInput{Template: *prompt, ItemID: "adhoc"})
	if err := printResult(res, *format); err != nil {
		return err
	}
	if !res.Success {
		os.Exit(1)
	}
	return nil
}

// flagLayer lifts command-line overrides into the highest-precedence config
// layer so the resolver treats them like any other layer.
func flagLayer(model, style, output string, width, height int, seed int64) config.Layer {
	layer := config.Layer{}
	api := map[string]any{}
	defaults := map[string]any{}
	if model != "" {
		api["model"] = model
	}
	if style != "" {
		defaults["style"] = style
	}
	if width > 0 {
		defaults["width"] = width
	}
	if height > 0 {
		defaults["height"] = height
	}
	if seed != 0 {
		defaults["seed"] = seed
	}
	if output != "" {
		layer["output"] = map[string]any{"base_dir": output}
	}
	if len(api) > 0 {
		layer["api"] = api
	}
	if len(defaults) > 0 {
		layer["defaults"] = defaults
	}
	return layer
}

func runHistory(projectRoot string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: imgforge history <list|show|stats>")
	}
	store := history.NewStore(filepath.Join(projectRoot, "history"))

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("history list", flag.ExitOnError)
		seriesName := fs.String("series", "", "filter by series name")
		status := fs.String("status", "", "filter by status (success, failed)")
		search := fs.String("search", "", "free-text search over prompts")
		limit := fs.Int("limit", 20, "max entries to show")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		entries, err := store.List(history.Filter{
			Series: *seriesName,
			Status: *status,
			Search: *search,
			Limit:  *limit,
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-7s  %s", e.ID, e.Status, truncate(e.ResolvedPrompt, 60))
			if e.Series != "" {
				line += fmt.Sprintf("  [%s/%s]", e.Series, e.ItemID)
			}
			fmt.Println(line)
		}
		return nil

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: imgforge history show <id>")
		}
		entry, err := store.Get(args[1])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil

	case "stats":
		stats, err := store.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("total:        %d\n", stats.Total)
		fmt.Printf("succeeded:    %d\n", stats.Succeeded)
		fmt.Printf("failed:       %d\n", stats.Failed)
		fmt.Printf("avg duration: %s\n", stats.AvgDuration)
		fmt.Printf("series:       %d\n", stats.SeriesCount)
		return nil

	default:
		return fmt.Errorf("unknown history subcommand %q", args[0])
	}
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	profile := fs.String("profile", "ios", "export profile: "+strings.Join(export.Profiles(), ", "))
	webp := fs.Bool("webp", false, "encode assets as WebP instead of PNG")
	outDir := fs.String("out", "", "output directory (default: next to the source)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: imgforge export [flags] <image>")
	}

	results, err := export.Run(fs.Arg(0), export.Options{
		Profile: *profile,
		OutDir:  *outDir,
		WebP:    *webp,
	})
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s  %dx%d\n", r.Path, r.Width, r.Height)
	}
	return nil
}

func runInit(projectRoot string) error {
	created, err := scaffold.Init(projectRoot)
	if err != nil {
		return err
	}
	for _, path := range created {
		fmt.Println("created", path)
	}
	return nil
}

func runConfig(projectRoot string, args []string) error {
	if len(args) == 0 || args[0] != "show" {
		return fmt.Errorf("usage: imgforge config show")
	}
	globalLayer, projectLayer, err := config.LoadProject(projectRoot)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(globalLayer, projectLayer, config.Layer{}, config.EnvSnapshot())
	if err != nil {
		return err
	}

	fmt.Printf("provider:        %s\n", cfg.Provider)
	fmt.Printf("model:           %s\n", cfg.Model)
	fmt.Printf("size:            %dx%d\n", cfg.Width, cfg.Height)
	fmt.Printf("style:           %s\n", orNone(cfg.Style))
	fmt.Printf("negative prompt: %s\n", orNone(cfg.NegativePrompt))
	fmt.Printf("reference image: %s\n", orNone(cfg.ReferenceImage))
	fmt.Printf("output dir:      %s\n", cfg.OutputBaseDir)
	fmt.Printf("timeout:         %s\n", cfg.Timeout)
	fmt.Printf("max retries:     %d\n", cfg.MaxRetries)
	for _, field := range cfg.Unknown {
		fmt.Printf("warning: unrecognized field %s\n", field)
	}
	return nil
}

type resultView struct {
	ItemID         string `json:"item_id,omitempty" yaml:"item_id,omitempty"`
	Success        bool   `json:"success" yaml:"success"`
	DryRun         bool   `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	ResolvedPrompt string `json:"resolved_prompt" yaml:"resolved_prompt"`
	Model          string `json:"model" yaml:"model"`
	Width          int    `json:"width" yaml:"width"`
	Height         int    `json:"height" yaml:"height"`
	Mode           string `json:"mode" yaml:"mode"`
	OutputPath     string `json:"output_path,omitempty" yaml:"output_path,omitempty"`
	DurationMS     int64  `json:"duration_ms" yaml:"duration_ms"`
	Error          string `json:"error,omitempty" yaml:"error,omitempty"`
}

func toView(res pipeline.Result) resultView {
	view := resultView{
		ItemID:         res.ItemID,
		Success:        res.Success,
		DryRun:         res.DryRun,
		ResolvedPrompt: res.ResolvedPrompt,
		Model:          res.Model,
		Width:          res.Width,
		Height:         res.Height,
		Mode:           string(res.Mode),
		OutputPath:     res.OutputPath,
		DurationMS:     res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		view.Error = res.Err.Error()
	}
	return view
}

func printResult(res pipeline.Result, format string) error {
	switch format {
	case "json":
		return printJSON(toView(res))
	case "yaml":
		return printYAML(toView(res))
	case "text":
		if res.DryRun {
			fmt.Printf("dry run: %s (%s, %dx%d, %s)\n", res.ResolvedPrompt, res.Model, res.Width, res.Height, res.Mode)
			return nil
		}
		if res.Success {
			fmt.Printf("ok: %s (%s)\n", res.OutputPath, res.Duration.Round(time.Millisecond))
			return nil
		}
		fmt.Printf("failed: %v\n", res.Err)
		return nil
	default:
		return fmt.Errorf("unknown format %q (text, json or yaml)", format)
	}
}

func printSummary(summary pipeline.Summary, format string) error {
	switch format {
	case "json", "yaml":
		views := make([]resultView, len(summary.Results))
		for i, res := range summary.Results {
			views[i] = toView(res)
		}
		payload := map[string]any{
			"attempted":    summary.Attempted,
			"succeeded":    summary.Succeeded,
			"failed":       summary.Failed,
			"wall_time_ms": summary.WallTime.Milliseconds(),
			"results":      views,
		}
		if format == "json" {
			return printJSON(payload)
		}
		return printYAML(payload)
	case "text":
		for _, res := range summary.Results {
			if err := printResult(res, "text"); err != nil {
				return err
			}
		}
		fmt.Printf("\n%d attempted, %d succeeded, %d failed in %s\n",
			summary.Attempted, summary.Succeeded, summary.Failed, summary.WallTime.Round(time.Millisecond))
		for _, failure := range summary.Failures {
			fmt.Printf("  %s: %s\n", failure.ItemID, failure.Reason)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (text, json or yaml)", format)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printYAML(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: imgforge [flags] <command>

commands:
  generate   run a one-off prompt or a whole series
  history    list, show or summarize past generations
  export     resize a generated image into platform asset buckets
  init       scaffold a new project directory
  config     print the resolved effective configuration

global flags:
  -project <dir>        project root (default ".")
  -log-level <level>    debug, info, warn or error
  -metrics-addr <addr>  serve prometheus metrics`)
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
