package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"patchsmith/internal/backend"
	"patchsmith/internal/compress"
	"patchsmith/internal/config"
	"patchsmith/internal/ledger"
	"patchsmith/internal/loop"
	"patchsmith/internal/snapshot"
	"patchsmith/internal/task"
)

const version = "0.3.0"

var (
	// Global flags
	configPath string
	verbose    bool

	// run flags
	targets     []string
	keepOnFail  bool
	autoRevert  bool
	maxAttempts int
	budgetBytes int

	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "patchsmith",
	Short: "patchsmith - plan, apply, and validate code changes",
	Long: `patchsmith turns a natural-language instruction into a concrete code
change. It snapshots the repository, sends a bounded context to a plan
backend, applies the returned steps under a reversible change ledger,
validates the result, and retries with parsed error feedback until the
change sticks or the attempt budget runs out.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if !cfg.Logging.JSON {
			zcfg.Encoding = "console"
			zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}
		level, parseErr := zapcore.ParseLevel(cfg.Logging.Level)
		if parseErr != nil {
			level = zapcore.InfoLevel
		}
		if verbose {
			level = zapcore.DebugLevel
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)

		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Execute one instruction through the plan-apply-validate loop",
	Long: `Runs the full cycle for a single instruction:
  1. Snapshot the repository and build a bounded context
  2. Request a change plan from the backend
  3. Apply the plan under the change ledger
  4. Run the validation command and parse any failures
  5. Retry with the error report until success or the attempt bound

On success the change set is committed. On failure, partial progress is
kept unless --revert-on-fail is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstruction,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about the repository",
	Long: `Builds the same bounded repository context the run command uses and
sends the question to the backend for a plain-text answer. No files are
modified.`,
	Args: cobra.MinimumNArgs(1),
	RunE: askQuestion,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List change sets recorded in the journal",
	RunE:  showHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchsmith %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "patchsmith.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "Paths the instruction concerns (repeatable)")
	runCmd.Flags().BoolVar(&keepOnFail, "keep-on-fail", false, "Commit the final change set even when the run fails")
	runCmd.Flags().BoolVar(&autoRevert, "revert-on-fail", false, "Revert the final change set when the run fails")
	runCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Override the configured attempt bound")
	runCmd.Flags().IntVar(&budgetBytes, "budget", 0, "Override the configured context budget in bytes")

	askCmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "Paths the question concerns (repeatable)")
	askCmd.Flags().IntVar(&budgetBytes, "budget", 0, "Override the configured context budget in bytes")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runInstruction(cmd *cobra.Command, args []string) error {
	if err := applyOverrides(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal, reverting in-flight changes")
			cancel()
		case <-ctx.Done():
		}
	}()

	goal := strings.Join(args, " ")
	logger.Info("Processing instruction",
		zap.String("goal", goal),
		zap.Strings("targets", targets))

	client, err := backend.NewClient(backend.Config{
		Provider: cfg.Backend.Provider,
		APIKey:   resolveAPIKey(),
		BaseURL:  cfg.Backend.BaseURL,
		Model:    cfg.Backend.Model,
		Timeout:  cfg.Backend.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("building backend client: %w", err)
	}

	led := ledger.New(cfg.RepoRoot, logger)
	if cfg.Journal.Enabled {
		journal, jerr := ledger.OpenJournal(cfg.Journal.Path)
		if jerr != nil {
			return fmt.Errorf("opening journal: %w", jerr)
		}
		defer journal.Close()
		led.SetJournal(journal)
	}

	l := loop.New(cfg.RepoRoot, task.Instruction{Goal: goal, TargetPaths: targets}, loop.Config{
		BudgetBytes:       cfg.Context.BudgetBytes,
		MaxAttempts:       cfg.Loop.MaxAttempts,
		IncludePatterns:   cfg.Snapshot.IncludePatterns,
		ExcludePatterns:   cfg.Snapshot.ExcludePatterns,
		ValidationArgv:    cfg.Validation.Argv,
		ValidationTimeout: cfg.Validation.Timeout,
		ValidationTool:    cfg.Validation.Tool,
		WatchExternal:     cfg.Loop.WatchExternal,
	}, client, led, logger)

	start := time.Now()
	outcome, err := l.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("Run finished",
		zap.String("state", string(outcome.State)),
		zap.Int("attempts", outcome.Attempts),
		zap.Duration("elapsed", time.Since(start)))

	for _, p := range outcome.ExternalEdits {
		logger.Warn("File was modified externally during validation", zap.String("path", p))
	}

	return settle(led, outcome)
}

// settle consumes the pending change set according to the outcome and the
// commit/revert flags, then reports the result to the user.
func settle(led *ledger.Ledger, outcome *loop.Outcome) error {
	switch outcome.State {
	case loop.StateSucceeded:
		if outcome.Pending != nil {
			if err := led.Commit(outcome.Pending); err != nil {
				return fmt.Errorf("committing change set: %w", err)
			}
		}
		fmt.Printf("Succeeded after %d retr%s.\n", outcome.Attempts, plural(outcome.Attempts, "y", "ies"))
		if outcome.Pending != nil {
			for _, p := range outcome.Pending.Paths() {
				fmt.Printf("  changed: %s\n", p)
			}
		}
		return nil

	case loop.StateFailed:
		if outcome.Pending != nil {
			switch {
			case autoRevert:
				if err := led.Revert(outcome.Pending); err != nil {
					logger.Error("Revert failed", zap.Error(err))
					return err
				}
				fmt.Println("Failed; in-flight changes reverted.")
			case keepOnFail:
				if err := led.Commit(outcome.Pending); err != nil {
					return fmt.Errorf("committing change set: %w", err)
				}
				fmt.Println("Failed; final changes kept (--keep-on-fail).")
			default:
				// Default policy mirrors the mid-run one: keep progress.
				if err := led.Commit(outcome.Pending); err != nil {
					return fmt.Errorf("committing change set: %w", err)
				}
				fmt.Println("Failed; changes kept. Use 'patchsmith history' to inspect them.")
			}
		}
		if outcome.LastReport != nil {
			fmt.Printf("Last error: %s\n", outcome.LastReport)
		}
		if outcome.Err != nil {
			return fmt.Errorf("run failed after %d attempts: %w", outcome.Attempts, outcome.Err)
		}
		return fmt.Errorf("run failed after %d attempts", outcome.Attempts)

	default:
		return fmt.Errorf("run ended in non-terminal state %s", outcome.State)
	}
}

func askQuestion(cmd *cobra.Command, args []string) error {
	if budgetBytes > 0 {
		cfg.Context.BudgetBytes = budgetBytes
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	question := strings.Join(args, " ")

	snap, err := snapshot.Capture(ctx, cfg.RepoRoot, cfg.Snapshot.IncludePatterns, cfg.Snapshot.ExcludePatterns, logger)
	if err != nil {
		return fmt.Errorf("capturing snapshot: %w", err)
	}
	bundle, err := compress.NewCompressor(logger).Compress(snap,
		task.Instruction{Goal: question, TargetPaths: targets}, nil, cfg.Context.BudgetBytes)
	if err != nil {
		return fmt.Errorf("compressing context: %w", err)
	}

	client, err := backend.NewClient(backend.Config{
		Provider: cfg.Backend.Provider,
		APIKey:   resolveAPIKey(),
		BaseURL:  cfg.Backend.BaseURL,
		Model:    cfg.Backend.Model,
		Timeout:  cfg.Backend.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("building backend client: %w", err)
	}
	answerer, ok := client.(backend.Answerer)
	if !ok {
		return fmt.Errorf("backend provider %q cannot answer questions", cfg.Backend.Provider)
	}

	answer, err := answerer.RequestAnswer(ctx, backend.AnswerRequest{Question: question, Context: bundle})
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	if !cfg.Journal.Enabled {
		return fmt.Errorf("journal is not enabled; set journal.enabled in %s", configPath)
	}
	journal, err := ledger.OpenJournal(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	summaries, err := journal.List()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No change sets recorded.")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-9s  %3d file%s  %s\n",
			s.StartedAt.Format(time.RFC3339), s.Status, s.Records,
			plural(s.Records, "", "s"), s.Description)
	}
	return nil
}

func applyOverrides() error {
	if maxAttempts > 0 {
		cfg.Loop.MaxAttempts = maxAttempts
	}
	if budgetBytes > 0 {
		cfg.Context.BudgetBytes = budgetBytes
	}
	if keepOnFail && autoRevert {
		return fmt.Errorf("--keep-on-fail and --revert-on-fail are mutually exclusive")
	}
	return nil
}

func resolveAPIKey() string {
	if cfg.Backend.APIKey != "" {
		return cfg.Backend.APIKey
	}
	if key := os.Getenv("PATCHSMITH_API_KEY"); key != "" {
		return key
	}
	return os.Getenv("GEMINI_API_KEY")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
