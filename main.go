package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-age-issuer/audit"
	"go-age-issuer/document"
	log "go-age-issuer/logging"
	"go-age-issuer/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// janitorInterval is how often idle sessions are pruned.
const janitorInterval = time.Minute

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "age-issuer",
		Short: "Issues age-over credentials from scanned identity documents",
		Long: `age-issuer - issues age-over credentials from scanned identity documents

A wallet scans an identity document, the birthdate is extracted from the
recognized text, an age proof is generated and an IRMA credential carrying
only the age predicate is issued. The birthdate itself never leaves the
session.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newServeCmd(),
		newExtractCmd(),
	)
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the issuer HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("please provide a config path using the --config flag")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path for the config.json to use")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	config, err := readConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	log.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("Using config", "path", configPath, "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	tokenStorage, err := createTokenStorage(&config)
	if err != nil {
		return fmt.Errorf("failed to instantiate token storage: %w", err)
	}

	recorder, err := createAuditRecorder(&config)
	if err != nil {
		return fmt.Errorf("failed to open audit ledger: %w", err)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			slog.Error("Failed to close audit ledger", "error", err)
		}
	}()

	deps, err := createPipelineDeps(&config)
	if err != nil {
		return err
	}
	m := metrics.New(prometheus.DefaultRegisterer)
	deps.observer = m

	agePipeline, err := newPipeline(&config, deps)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	state := &ServerState{
		irmaServerURL:    config.IrmaServerUrl,
		tokenStorage:     tokenStorage,
		sessions:         NewSessionRegistry(),
		pipeline:         agePipeline,
		audit:            recorder,
		metrics:          m,
		gatherer:         prometheus.DefaultGatherer,
		recognizerHealth: deps.recognizer,
	}
	server, err := NewServer(state, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		runJanitor(ctx, state, time.Duration(config.SessionIdleTimeout), janitorInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Stop()
	})
	return g.Wait()
}

// runJanitor forgets sessions idle for longer than idle until ctx is done.
func runJanitor(ctx context.Context, state *ServerState, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneIdleSessions(ctx, state, idle)
		}
	}
}

func pruneIdleSessions(ctx context.Context, state *ServerState, idle time.Duration) {
	pruned := state.sessions.PruneIdle(idle)
	for _, session := range pruned {
		state.pipeline.Reset(session)
		if err := state.tokenStorage.RemoveToken(ctx, session.ID()); err != nil {
			slog.Debug("Token of idle session already gone", "session_id", session.ID(), "error", err)
		}
		recordAudit(ctx, state, audit.Event{
			SessionID: session.ID(),
			Kind:      audit.KindSessionReset,
			Detail:    "idle timeout",
		})
	}
	if len(pruned) > 0 {
		slog.Info("Pruned idle sessions", "count", len(pruned))
	}
	state.metrics.SetActiveSessions(state.sessions.Len())
}

func newExtractCmd() *cobra.Command {
	var today string
	var adultAge int
	var latin1 bool

	cmd := &cobra.Command{
		Use:   "extract [file]",
		Short: "Extract a birthdate from recognized document text",
		Long: `Extract a birthdate from recognized document text and evaluate the age
predicate. Reads the text from file, or from stdin when no file is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open text file: %w", err)
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read text: %w", err)
			}
			text := string(raw)
			if latin1 {
				if text, err = document.DecodeLatin1(raw); err != nil {
					return fmt.Errorf("failed to decode latin1 text: %w", err)
				}
			}

			ref := document.DateOf(time.Now().UTC())
			if today != "" {
				if ref, err = document.ParseDate(today); err != nil {
					return fmt.Errorf("invalid --today: %w", err)
				}
			}
			return printExtraction(cmd.OutOrStdout(), text, ref, adultAge)
		},
	}

	cmd.Flags().StringVar(&today, "today", "", "reference date as YYYY-MM-DD (default: current UTC date)")
	cmd.Flags().IntVar(&adultAge, "adult-age", document.AdultAge, "age threshold of the predicate")
	cmd.Flags().BoolVar(&latin1, "latin1", false, "input text is ISO 8859-1 encoded")
	return cmd
}

func printExtraction(w io.Writer, text string, today document.Date, adultAge int) error {
	extraction, err := document.Extract(text)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "birthdate: %s\n", extraction.Date)
	fmt.Fprintf(w, "pattern:   %s\n", extraction.Pattern)
	fmt.Fprintf(w, "match:     %q\n", extraction.Match)
	fmt.Fprintf(w, "age:       %d\n", document.Age(extraction.Date, today))
	fmt.Fprintf(w, "age_over_%d: %s\n", adultAge, document.BoolToYesNo(document.IsOver(extraction.Date, today, adultAge)))
	return nil
}
