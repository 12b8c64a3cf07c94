// Command worker runs the transcription pipeline's background service:
// a pool of goroutines that claim jobs from internal/queue and drive them
// through internal/orchestrator to a terminal status, plus operator
// subcommands to submit, retry, and cancel jobs directly against the same
// database. Structured like the teacher's top-level main.go (cobra root +
// subcommands, .env loading, signal-based shutdown, exit-code
// classification) but reworked for a long-running daemon instead of a
// single synchronous CLI invocation.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/voxpipe/transcribe/internal/blob"
	"github.com/voxpipe/transcribe/internal/config"
	"github.com/voxpipe/transcribe/internal/ffmpeg"
	"github.com/voxpipe/transcribe/internal/lang"
	"github.com/voxpipe/transcribe/internal/model"
	"github.com/voxpipe/transcribe/internal/observe"
	"github.com/voxpipe/transcribe/internal/orchestrator"
	"github.com/voxpipe/transcribe/internal/queue"
	"github.com/voxpipe/transcribe/internal/store"

	_ "github.com/voxpipe/transcribe/internal/provider" // registers the openai adapter via init()
)

// Injected at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes, generalized from the teacher's CLI exit-code scheme to a
// daemon: configuration/setup failures exit distinctly from a clean
// operator-requested shutdown.
const (
	ExitOK        = 0
	ExitGeneral   = 1
	ExitUsage     = 2
	ExitSetup     = 3
	ExitInterrupt = 130
)

// metricsAddr is the listen address for the /metrics Prometheus endpoint.
const metricsAddr = ":9090"

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run the transcription pipeline worker and operate on its jobs",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(submitJobCmd())
	rootCmd.AddCommand(retryJobCmd())
	rootCmd.AddCommand(cancelJobCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	if errors.Is(err, config.ErrMissingRequired) || errors.Is(err, ffmpeg.ErrNotFound) {
		return ExitSetup
	}
	return ExitGeneral
}

// deps bundles everything a subcommand needs to talk to the database,
// blob storage, and queue; built once per invocation from config.Config.
type deps struct {
	cfg    config.Config
	pool   *pgxpool.Pool
	store  *store.Store
	blob   *blob.Store
	queue  *queue.Queue
	logger *slog.Logger
}

func wireDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	q := queue.New(pool)
	if err := q.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate queue: %w", err)
	}

	sess, err := session.NewSession(aws.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	bs := blob.New(sess, cfg.S3Bucket)

	return &deps{cfg: cfg, pool: pool, store: st, blob: bs, queue: q, logger: slog.Default()}, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := wireDeps(ctx)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			ffmpegPath, err := ffmpeg.Resolve(ctx)
			if err != nil {
				return fmt.Errorf("resolve ffmpeg: %w", err)
			}

			reg := prometheus.NewRegistry()
			metrics := observe.NewMetrics(reg)
			go serveMetrics(reg, d.logger)

			providerSettings := map[string]string{"api_key": d.cfg.OpenAIAPIKey}

			workerCount := d.cfg.WorkerCount
			if workerCount <= 0 {
				workerCount = runtime.GOMAXPROCS(0)
			}

			sweeper := orchestrator.NewStaleSweeper(d.store, d.queue, d.cfg.StaleJobThreshold, d.logger)
			go sweeper.Run(ctx, d.cfg.StaleJobThreshold/2)

			var wg sync.WaitGroup
			for i := 0; i < workerCount; i++ {
				w := orchestrator.New(
					fmt.Sprintf("worker-%d", i),
					d.store, d.blob, d.queue, metrics, d.cfg, ffmpegPath, providerSettings,
					orchestrator.WithLogger(d.logger),
				)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						d.logger.Error("worker stopped", "error", err)
					}
				}()
			}

			d.logger.Info("worker pool started", "workers", workerCount)
			wg.Wait()
			return ctx.Err()
		},
	}
}

func serveMetrics(reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(metricsAddr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

func submitJobCmd() *cobra.Command {
	var provider, languageCode, prompt, webhookURL string

	cmd := &cobra.Command{
		Use:   "submit-job <audio-file>",
		Short: "Submit a local audio/video file as a new transcription job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := wireDeps(ctx)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			language, err := lang.Parse(languageCode)
			if err != nil {
				return err
			}

			base := filepath.Base(args[0])
			ext := strings.ToLower(filepath.Ext(base))
			job := model.NewJob(base, ext, int64(len(data)), provider, language)
			job.ContextPrompt = prompt
			job.WebhookURL = webhookURL

			w := orchestrator.New("cli", d.store, d.blob, d.queue, observe.NewMetrics(prometheus.NewRegistry()), d.cfg, "", nil)
			if err := w.SubmitJob(ctx, job, data); err != nil {
				return err
			}
			fmt.Println(job.ID.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "openai", "transcription provider name")
	cmd.Flags().StringVar(&languageCode, "language", "", "ISO 639-1 language code, empty for auto-detect")
	cmd.Flags().StringVar(&prompt, "prompt", "", "optional context prompt")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "optional completion webhook URL")
	return cmd
}

func retryJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-job <job-id>",
		Short: "Reset a FAILED job to PENDING and re-enqueue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := wireDeps(ctx)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return orchestrator.RetryJob(ctx, d.store, d.queue, id)
		},
	}
}

func cancelJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-job <job-id>",
		Short: "Mark a non-terminal job CANCELLED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := wireDeps(ctx)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return orchestrator.CancelJob(ctx, d.store, id)
		},
	}
}
