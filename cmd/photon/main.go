package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/screenager/photon/internal/config"
	"github.com/screenager/photon/internal/encoder"
	"github.com/screenager/photon/internal/labelbank"
	"github.com/screenager/photon/internal/llm"
	"github.com/screenager/photon/internal/pipeline"
	"github.com/screenager/photon/internal/tagging"
	"github.com/screenager/photon/internal/tui"
	"github.com/screenager/photon/internal/vocab"
	"github.com/screenager/photon/internal/watcher"
)

const (
	bankFile      = "label_bank.bin"
	bankMetaFile  = "label_bank.meta"
	relevanceFile = "relevance.json"
)

func main() {
	root := &cobra.Command{
		Use:   "photon",
		Short: "Local, privacy-preserving image tagging",
		Long:  "photon — offline semantic image tagging powered by SigLIP and a 68K-term WordNet vocabulary.",
	}

	var (
		configPath string
		modelDir   string
		ortLib     string
		numThreads int
		verbose    bool
	)
	root.PersistentFlags().StringVar(&configPath, "config", "photon.toml", "path to the TOML configuration file")
	root.PersistentFlags().StringVar(&modelDir, "model-dir", "", "directory containing ONNX model files (overrides config)")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", "", "path to onnxruntime.so (auto-detected if empty)")
	root.PersistentFlags().IntVar(&numThreads, "threads", 0, "ONNX intra-op thread count (0 = auto, usually NumCPU capped at 4)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	loadConfig := func() (*config.Config, error) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		warnings, err := cfg.Validate()
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		for _, w := range warnings {
			slog.Warn("config", "warning", w)
		}
		if modelDir != "" {
			cfg.Models.Dir = modelDir
		}
		if ortLib != "" {
			cfg.Models.OrtLib = ortLib
		}
		if numThreads > 0 {
			cfg.Models.Threads = numThreads
		}
		return cfg, nil
	}

	resolveOrtLib := func(cfg *config.Config) string {
		if cfg.Models.OrtLib != "" {
			return cfg.Models.OrtLib
		}
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "lib", "onnxruntime.so")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return ""
	}

	// ---- photon process <dir> [dir...] --------------------------------------
	var (
		outputPath   string
		formatFlag   string
		skipExisting bool
		useTUI       bool
		enrich       bool
		includeGlobs []string
		excludeGlobs []string
	)
	processCmd := &cobra.Command{
		Use:   "process <dir> [dir...]",
		Short: "Process all images under the given directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			format := pipeline.Format(formatFlag)
			if format != pipeline.FormatJSON && format != pipeline.FormatJSONL {
				return fmt.Errorf("unknown output format %q (want json or jsonl)", formatFlag)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(cfg, resolveOrtLib(cfg))
			if err != nil {
				return err
			}
			defer eng.Close()

			// Discover first so the total is known up front.
			var files []pipeline.Discovered
			for _, dir := range args {
				fmt.Fprintf(os.Stderr, "Scanning %s…\n", dir)
				found, err := pipeline.Discover(dir, includeGlobs, excludeGlobs)
				if err != nil {
					return err
				}
				files = append(files, found...)
			}

			var existing *pipeline.ExistingSet
			if skipExisting && outputPath != "" {
				existing = pipeline.LoadExistingSet(outputPath)
			}

			var sink pipeline.Sink
			if outputPath != "" {
				sink, err = pipeline.NewFileSink(outputPath, format, skipExisting)
				if err != nil {
					return err
				}
			} else {
				sink = pipeline.NewStdoutSink(format)
			}

			var enricher *llm.Enricher
			if enrich || cfg.LLM.Enabled {
				provider, err := buildProvider(cfg)
				if err != nil {
					return err
				}
				enricher = llm.NewEnricher(provider, cfg.LLM.Parallel,
					time.Duration(cfg.Limits.LLMTimeoutMs)*time.Millisecond,
					int(cfg.Pipeline.RetryAttempts),
					time.Duration(cfg.Pipeline.RetryDelayMs)*time.Millisecond,
					int64(cfg.Limits.MaxFileSizeMB)*1024*1024,
					func(r llm.Result) {
						if r.Patch != nil {
							if err := sink.Write(pipeline.EnrichmentRecord(r.Patch)); err != nil {
								slog.Error("enrichment write failed", "path", r.Path, "error", err)
							}
						}
					})
			}

			// session.Run() is a blocking CGo call that Go cannot preempt, so
			// a hard-exit goroutine guarantees Ctrl+C always terminates the
			// process after a grace period. The done channel cancels it on a
			// clean exit so the interrupt message never prints spuriously.
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-done:
					return
				case <-ctx.Done():
					fmt.Fprintln(os.Stderr, "\n[photon] stopping — draining in-flight images…")
					select {
					case <-done:
						return
					case <-time.After(3 * time.Second):
						fmt.Fprintln(os.Stderr, "[photon] exiting.")
						os.Exit(130)
					}
				}
			}()

			var summary pipeline.Summary
			if useTUI {
				model := tui.New(len(files))
				p := tea.NewProgram(model, tea.WithOutput(os.Stderr))
				runner := pipeline.NewRunner(eng.proc, cfg, sink, enricher,
					func(done, total int, path string, err error) {
						p.Send(tui.ImageDoneMsg{Done: done, Total: total, Path: path, Err: err})
					})
				runErrCh := make(chan error, 1)
				go func() {
					s, err := runner.Run(ctx, files, existing)
					summary = s
					p.Send(tui.BatchDoneMsg{Summary: s})
					runErrCh <- err
				}()
				if _, err := p.Run(); err != nil {
					return err
				}
				if err := <-runErrCh; err != nil {
					return err
				}
			} else {
				runner := pipeline.NewRunner(eng.proc, cfg, sink, enricher, makeProgressPrinter())
				summary, err = runner.Run(ctx, files, existing)
				if err != nil {
					return err
				}
			}

			if err := eng.saveTracker(); err != nil {
				slog.Warn("could not persist relevance state", "error", err)
			}

			fmt.Fprintf(os.Stderr, "Done. %d processed, %d skipped, %d failed", summary.Succeeded, summary.Skipped, summary.Failed)
			if summary.Enriched > 0 {
				fmt.Fprintf(os.Stderr, ", %d enriched", summary.Enriched)
			}
			fmt.Fprintf(os.Stderr, " in %s.\n", summary.Elapsed.Round(time.Second))
			return nil
		},
	}
	processCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write records to this file (default stdout)")
	processCmd.Flags().StringVar(&formatFlag, "format", "jsonl", "output format: jsonl or json")
	processCmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "skip files already present in the output (path+size match)")
	processCmd.Flags().BoolVar(&useTUI, "tui", false, "show the interactive progress dashboard")
	processCmd.Flags().BoolVar(&enrich, "enrich", false, "generate LLM descriptions (also enabled via [llm] in config)")
	processCmd.Flags().StringSliceVar(&includeGlobs, "include", nil, "only process paths matching these globs")
	processCmd.Flags().StringSliceVar(&excludeGlobs, "exclude", nil, "skip paths matching these globs")
	root.AddCommand(processCmd)

	// ---- photon watch <dir> [dir...] ----------------------------------------
	var watchOutput string
	watchCmd := &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Process a directory then watch it for new images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(cfg, resolveOrtLib(cfg))
			if err != nil {
				return err
			}
			defer eng.Close()

			var sink pipeline.Sink
			if watchOutput != "" {
				// Watch mode appends records as they arrive, so JSONL is the
				// only valid file shape here.
				sink, err = pipeline.NewFileSink(watchOutput, pipeline.FormatJSONL, true)
				if err != nil {
					return err
				}
			} else {
				sink = pipeline.NewStdoutSink(pipeline.FormatJSONL)
			}

			var files []pipeline.Discovered
			for _, dir := range args {
				found, err := pipeline.Discover(dir, nil, nil)
				if err != nil {
					return err
				}
				files = append(files, found...)
			}
			runner := pipeline.NewRunner(eng.proc, cfg, noCloseSink{sink}, nil, makeProgressPrinter())
			summary, err := runner.Run(ctx, files, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Done. %d images processed. Watching for changes… (Ctrl+C to stop)\n", summary.Succeeded)

			w, err := watcher.New(eng.proc, sink)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()
			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(d, done); err != nil {
						fmt.Fprintf(os.Stderr, "watch error %s: %v\n", d, err)
					}
				}(dir)
			}
			<-done
			if err := eng.saveTracker(); err != nil {
				slog.Warn("could not persist relevance state", "error", err)
			}
			return sink.Close()
		},
	}
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "", "append JSONL records to this file (default stdout)")
	root.AddCommand(watchCmd)

	// ---- photon stats -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show vocabulary, cache, and relevance pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := vocab.Load(cfg.Models.WordNet, cfg.Models.Supplemental)
			if err != nil {
				return err
			}
			fmt.Printf("vocabulary:  %d terms\n", v.Len())

			binPath := filepath.Join(cfg.Models.CacheDir, bankFile)
			if fi, err := os.Stat(binPath); err == nil {
				fmt.Printf("label bank:  %d MB cached\n", fi.Size()/(1024*1024))
			} else {
				fmt.Println("label bank:  not cached (first run will encode progressively)")
			}

			relPath := filepath.Join(cfg.Models.CacheDir, relevanceFile)
			if t, err := tagging.LoadTracker(relPath, v, relevanceConfig(cfg)); err == nil {
				active := len(t.ActiveIndices())
				warm := len(t.WarmIndices())
				fmt.Printf("relevance:   %d active / %d warm / %d cold, %d images seen\n",
					active, warm, t.TermCount()-active-warm, t.ImagesProcessed())
			} else {
				fmt.Println("relevance:   no saved state")
			}
			return nil
		},
	})

	// ---- photon clear -------------------------------------------------------
	var forceFlag bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the cache directory (label bank and relevance state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.Models.CacheDir
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				fmt.Println("No cache found — nothing to clear.")
				return nil
			}
			if !forceFlag {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", dir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Cache cleared.")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&forceFlag, "force", false, "skip confirmation prompt")
	root.AddCommand(clearCmd)

	// ---- photon bench -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			lib := resolveOrtLib(cfg)

			fmt.Fprint(os.Stderr, "Loading text model… ")
			text, err := encoder.NewTextEncoder(cfg.Models.Dir, lib, cfg.Models.Threads)
			if err != nil {
				return err
			}
			defer text.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			for _, batch := range []int{1, 8, 32} {
				texts := make([]string, batch)
				for i := range texts {
					texts[i] = "a photo of a labrador retriever on a beach"
				}
				t0 := time.Now()
				if _, err := text.EncodeBatch(texts); err != nil {
					return fmt.Errorf("bench text batch %d: %w", batch, err)
				}
				fmt.Printf("text  batch=%-3d  %10s\n", batch, time.Since(t0).Round(time.Millisecond))
			}

			fmt.Fprint(os.Stderr, "Loading vision model… ")
			vision, err := encoder.NewVisionEncoder(cfg.Models.Dir, lib, cfg.Models.Threads, cfg.Embedding.ImageSize())
			if err != nil {
				return err
			}
			defer vision.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			img := image.NewRGBA(image.Rect(0, 0, 640, 480))
			for i := range img.Pix {
				img.Pix[i] = uint8(i * 31)
			}
			t0 := time.Now()
			if _, err := vision.Embed(img); err != nil {
				return fmt.Errorf("bench vision: %w", err)
			}
			fmt.Printf("vision single    %10s\n", time.Since(t0).Round(time.Millisecond))
			fmt.Printf("\nIf inference is slow, try: photon --threads 1 process <dir>\n")
			return nil
		},
	})

	// ---- photon models ------------------------------------------------------
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage model files",
	}
	modelsCmd.AddCommand(&cobra.Command{
		Use:   "download",
		Short: "Print download instructions for the SigLIP ONNX exports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf(`photon needs the SigLIP ONNX exports in %s:

  text_model.onnx     — text transformer (pooler_output head)
  vision_model.onnx   — vision transformer (pooler_output head)
  tokenizer.json      — SigLIP sentencepiece tokenizer
  wordnet_nouns.txt   — WordNet noun vocabulary (tab-delimited)
  supplemental.txt    — scene/mood/style terms (tab-delimited)

Export with optimum:
  optimum-cli export onnx --model google/%s %s
`, cfg.Models.Dir, cfg.Embedding.Model, cfg.Models.Dir)
			return nil
		},
	})
	root.AddCommand(modelsCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// noCloseSink lets the initial watch-mode batch share the long-lived sink
// without the runner closing it.
type noCloseSink struct{ pipeline.Sink }

func (noCloseSink) Close() error { return nil }

// makeProgressPrinter returns a Progress that prints a compact progress line.
func makeProgressPrinter() pipeline.Progress {
	return func(done, total int, path string, err error) {
		short := filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d]  ✗   %-50s\n", done, total, short)
			return
		}
		pct := 0
		if total > 0 {
			pct = 100 * done / total
		}
		if done < total {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] %3d%%  %-50s", done, total, pct, short)
		} else {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] 100%%  %-50s\n", done, total, short)
		}
	}
}

// buildProvider constructs the configured LLM adapter.
func buildProvider(cfg *config.Config) (llm.Provider, error) {
	var p llm.Provider
	switch cfg.LLM.Provider {
	case "openai":
		p = llm.NewOpenAI(cfg.LLM.Model, cfg.LLM.Endpoint, cfg.LLM.APIKeyEnv)
	case "anthropic":
		p = llm.NewAnthropic(cfg.LLM.Model, cfg.LLM.Endpoint, cfg.LLM.APIKeyEnv)
	case "ollama":
		p = llm.NewOllama(cfg.LLM.Model, cfg.LLM.Endpoint)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if !p.IsAvailable() {
		return nil, fmt.Errorf("llm provider %s is not available (is %s set?)", p.Name(), cfg.LLM.APIKeyEnv)
	}
	return p, nil
}

func relevanceConfig(cfg *config.Config) tagging.RelevanceConfig {
	r := cfg.Tagging.Relevance
	return tagging.RelevanceConfig{
		WarmCheckInterval:  r.WarmCheckInterval,
		SweepInterval:      r.SweepInterval,
		PromotionThreshold: r.PromotionThreshold,
		ActiveDemotionDays: r.ActiveDemotionDays,
		WarmDemotionChecks: r.WarmDemotionChecks,
		NeighborExpansion:  r.NeighborExpansion,
	}
}

// engine bundles the long-lived components behind a process run.
type engine struct {
	cfg           *config.Config
	vocab         *vocab.Vocabulary
	slot          *tagging.Slot
	proc          *pipeline.Processor
	text          *encoder.TextEncoder
	vision        *encoder.VisionEncoder
	relevancePath string
	hasTracker    bool
}

func (e *engine) Close() {
	if e.text != nil {
		e.text.Close()
	}
	if e.vision != nil {
		e.vision.Close()
	}
}

func (e *engine) saveTracker() error {
	if !e.hasTracker {
		return nil
	}
	return e.proc.SaveTracker(e.relevancePath)
}

// buildEngine loads the vocabulary and models and installs a scorer: from
// the cached label bank when its fingerprint matches, otherwise through the
// progressive encoder (relevance stays disabled until a complete bank is
// cached — the two are mutually exclusive on a first run).
func buildEngine(cfg *config.Config, ortLib string) (*engine, error) {
	v, err := vocab.Load(cfg.Models.WordNet, cfg.Models.Supplemental)
	if err != nil {
		return nil, err
	}
	if v.Len() == 0 {
		slog.Warn("vocabulary is empty; images will carry no tags",
			"wordnet", cfg.Models.WordNet, "supplemental", cfg.Models.Supplemental)
	}

	eng := &engine{cfg: cfg, vocab: v, slot: &tagging.Slot{}}
	eng.relevancePath = filepath.Join(cfg.Models.CacheDir, relevanceFile)

	if cfg.Embedding.Enabled {
		fmt.Fprint(os.Stderr, "Loading vision model… ")
		vision, err := encoder.NewVisionEncoder(cfg.Models.Dir, ortLib, cfg.Models.Threads, cfg.Embedding.ImageSize())
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")
		eng.vision = vision
	}

	var tracker *tagging.Tracker
	if v.Len() > 0 && cfg.Embedding.Enabled {
		if err := os.MkdirAll(cfg.Models.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", cfg.Models.CacheDir, err)
		}
		binPath := filepath.Join(cfg.Models.CacheDir, bankFile)
		metaPath := filepath.Join(cfg.Models.CacheDir, bankMetaFile)

		bank, err := labelbank.Load(binPath, metaPath, v.Fingerprint())
		switch {
		case err == nil:
			scorer, err := tagging.NewScorer(v, bank)
			if err != nil {
				return nil, err
			}
			eng.slot.Swap(scorer)
			slog.Info("label bank loaded from cache", "terms", bank.Count(), "dim", bank.Dim())

			if cfg.Tagging.Relevance.Enabled {
				rcfg := relevanceConfig(cfg)
				tracker, err = tagging.LoadTracker(eng.relevancePath, v, rcfg)
				if err != nil {
					if !errors.Is(err, os.ErrNotExist) {
						slog.Warn("relevance state unreadable; starting fresh", "error", err)
					}
					tracker = tagging.NewTracker(v, rcfg, nil)
				}
				eng.hasTracker = true
			}

		default:
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn("label bank cache invalid; re-encoding", "error", err)
			}
			text, err := encoder.NewTextEncoder(cfg.Models.Dir, ortLib, cfg.Models.Threads)
			if err != nil {
				return nil, err
			}
			eng.text = text

			if cfg.Progressive.Enabled {
				fmt.Fprint(os.Stderr, "Encoding seed vocabulary… ")
				_, err := tagging.StartProgressive(v, text, eng.slot, tagging.ProgressiveOptions{
					SeedSize:  cfg.Progressive.SeedSize,
					ChunkSize: cfg.Progressive.ChunkSize,
					BankPath:  binPath,
					MetaPath:  metaPath,
				})
				if err != nil {
					fmt.Fprintln(os.Stderr, "")
					return nil, err
				}
				fmt.Fprintln(os.Stderr, "ready (remaining terms encode in the background).")
			} else {
				fmt.Fprintf(os.Stderr, "Encoding %d vocabulary terms (one-time)…\n", v.Len())
				bank, err := encodeFullBank(v, text)
				if err != nil {
					return nil, err
				}
				if err := bank.Save(binPath, metaPath, v.Fingerprint()); err != nil {
					return nil, err
				}
				scorer, err := tagging.NewScorer(v, bank)
				if err != nil {
					return nil, err
				}
				eng.slot.Swap(scorer)
				if cfg.Tagging.Relevance.Enabled {
					tracker = tagging.NewTracker(v, relevanceConfig(cfg), nil)
					eng.hasTracker = true
				}
			}
		}
	}

	eng.proc = pipeline.NewProcessor(cfg, eng.vision, eng.slot, tracker)
	return eng, nil
}

// encodeFullBank synchronously encodes every term, in chunks so progress is
// visible.
func encodeFullBank(v *vocab.Vocabulary, text *encoder.TextEncoder) (*labelbank.Bank, error) {
	const chunk = 512
	bank := labelbank.New(encoder.EmbeddingDim)
	for start := 0; start < v.Len(); start += chunk {
		end := start + chunk
		if end > v.Len() {
			end = v.Len()
		}
		prompts := make([][]string, 0, end-start)
		for i := start; i < end; i++ {
			prompts = append(prompts, v.Prompts(i))
		}
		part, err := labelbank.EncodeTerms(text, prompts)
		if err != nil {
			return nil, fmt.Errorf("encode terms %d–%d: %w", start, end, err)
		}
		if err := bank.Append(part); err != nil {
			return nil, err
		}
		fmt.Fprintf(os.Stderr, "\r  [%d/%d] encoded", end, v.Len())
	}
	fmt.Fprintln(os.Stderr, "")
	return bank, nil
}
