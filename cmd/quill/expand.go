package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/quill/internal/checkpoint"
	"github.com/jackzampolin/quill/internal/config"
	"github.com/jackzampolin/quill/internal/home"
	"github.com/jackzampolin/quill/internal/jobs"
	"github.com/jackzampolin/quill/internal/llmcall"
	"github.com/jackzampolin/quill/internal/output"
	"github.com/jackzampolin/quill/internal/prompts"
	"github.com/jackzampolin/quill/internal/prompts/expand"
	"github.com/jackzampolin/quill/internal/providers"
)

var expandFlags struct {
	depth          int
	concurrency    int
	maxAttempts    int
	timeout        time.Duration
	out            string
	provider       string
	model          string
	only           []string
	resetExhausted bool
}

var expandCmd = &cobra.Command{
	Use:   "expand <source>",
	Short: "Generate body text for every heading of a document",
	Long: `Generate body text for every heading at the configured depth.

Finished sections are checkpointed in {out}/progress.json; rerunning the
same command resumes with the sections that are still missing. Sections
that exhausted their attempts are skipped until reset.

Examples:
  quill expand proposal.md
  quill expand proposal.md --depth 5 --concurrency 5
  quill expand proposal.md --reset-exhausted
  quill expand proposal.md --only 1.2.1.3.1,1.2.1.3.4`,
	Args: cobra.ExactArgs(1),
	RunE: runExpand,
}

func init() {
	f := expandCmd.Flags()
	f.IntVar(&expandFlags.depth, "depth", 0, "heading depth: 5 (1.2.2.11) or 6 (1.2.2.11.1), default from config")
	f.IntVar(&expandFlags.concurrency, "concurrency", 0, "sections generated at once (default from config)")
	f.IntVar(&expandFlags.maxAttempts, "max-attempts", 0, "attempt ceiling per section (default from config)")
	f.DurationVar(&expandFlags.timeout, "timeout", 0, "per-attempt timeout, at least 120s (default from config)")
	f.StringVar(&expandFlags.out, "out", "", "output directory (default: {source dir}/{name}_expanded)")
	f.StringVar(&expandFlags.provider, "provider", "", "provider type: openrouter, openai, mock")
	f.StringVar(&expandFlags.model, "model", "", "model name")
	f.StringSliceVar(&expandFlags.only, "only", nil, "expand only these section ids")
	f.BoolVar(&expandFlags.resetExhausted, "reset-exhausted", false, "retry sections recorded as exhausted")
}

// expandConfig applies command-line overrides to a copy of the loaded config.
func expandConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := *cfgManager.Get()
	f := cmd.Flags()
	if f.Changed("depth") {
		cfg.Expand.Depth = expandFlags.depth
	}
	if f.Changed("concurrency") {
		cfg.Expand.Concurrency = expandFlags.concurrency
	}
	if f.Changed("max-attempts") {
		cfg.Retry.MaxAttempts = expandFlags.maxAttempts
	}
	if f.Changed("timeout") {
		cfg.Expand.TimeoutSeconds = int(expandFlags.timeout / time.Second)
	}
	if f.Changed("provider") {
		cfg.Provider.Type = expandFlags.provider
	}
	if f.Changed("model") {
		cfg.Provider.Model = expandFlags.model
	}
	if f.Changed("out") {
		cfg.Output.Dir = expandFlags.out
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func runExpand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	source := args[0]

	cfg, err := expandConfig(cmd)
	if err != nil {
		return err
	}

	doc, err := readDocument(source, cfg.Expand.Depth)
	if err != nil {
		return err
	}

	dir, err := home.New(source, cfg.Output.Dir)
	if err != nil {
		return err
	}
	if err := dir.EnsureExists(); err != nil {
		return err
	}
	runID := uuid.NewString()
	log := logger.With("source", dir.Source())

	store, err := checkpoint.Open(checkpoint.Config{
		Path:     dir.CheckpointPath(),
		Document: checkpointInfo(dir.Source(), doc),
		Logger:   log,
	})
	if err != nil {
		return err
	}
	if expandFlags.resetExhausted {
		removed, err := store.Reset(expandFlags.only)
		if err != nil {
			return err
		}
		log.Info("reset exhausted sections", "ids", removed)
	}

	resolver := prompts.NewResolver(log)
	expand.RegisterPrompts(resolver)
	if cfg.Expand.PromptsDir != "" {
		n, err := resolver.LoadDir(cfg.Expand.PromptsDir)
		if err != nil {
			return err
		}
		log.Info("loaded prompt overrides", "dir", cfg.Expand.PromptsDir, "count", n)
	}
	frame, err := expand.NewFrame(resolver, cfg.ExpandOptions())
	if err != nil {
		return err
	}

	client, err := providers.NewClient(cfg.ClientConfig())
	if err != nil {
		return err
	}

	// The request rate follows edits to the config file while running.
	limiter := providers.NewRateLimiter(cfg.Provider.RateLimit)
	cfgManager.OnChange(func(c *config.Config) {
		if rpm := c.Provider.RateLimit; rpm != limiter.RequestsPerMinute() {
			limiter.SetRequestsPerMinute(rpm)
			log.Info("rate limit updated", "requests_per_minute", rpm)
		}
	})
	cfgManager.WatchConfig()

	recorder, err := llmcall.NewRecorder(llmcall.Config{Path: dir.CallsPath(), Logger: log})
	if err != nil {
		return err
	}
	defer recorder.Close()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		Client:           client,
		Frame:            frame,
		Limiter:          limiter,
		Policy:           cfg.Policy(),
		AttemptTimeout:   cfg.AttemptTimeout(),
		MinContentLength: cfg.Expand.MinContentLength,
		Recorder:         recorder,
		RunID:            runID,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	writer, err := output.NewWriter(output.Config{
		Document:    doc,
		SectionsDir: dir.SectionsPath(),
		MergedPath:  dir.MergedPath(),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	sched, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Expander:         worker,
		Store:            store,
		Writer:           writer,
		Concurrency:      cfg.Expand.Concurrency,
		FailureThreshold: cfg.Expand.FailureThreshold,
		Only:             expandFlags.only,
		RunID:            runID,
		PromptHash:       frame.Hash(),
		Logger:           log,
		ProgressInterval: cfg.ProgressInterval(),
	})
	if err != nil {
		return err
	}

	summary, runErr := sched.Run(ctx, doc)
	if summary == nil {
		return runErr
	}
	if err := summary.WriteJSON(dir.ReportPath()); err != nil {
		log.Warn("failed to write report", "error", err)
	}
	if err := printResult(cmd, summary); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if ids := summary.FailedIDs(); len(ids) > 0 {
		return fmt.Errorf("%d sections exhausted; retry them with: quill expand %s --reset-exhausted --only %s",
			len(ids), source, strings.Join(ids, ","))
	}
	return nil
}
