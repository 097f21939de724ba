package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/forkline/internal/api"
	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/config"
	"github.com/MikeSquared-Agency/forkline/internal/hermes"
	"github.com/MikeSquared-Agency/forkline/internal/processor"
	"github.com/MikeSquared-Agency/forkline/internal/record"
	"github.com/MikeSquared-Agency/forkline/internal/session"
	"github.com/MikeSquared-Agency/forkline/internal/slack"
	"github.com/MikeSquared-Agency/forkline/internal/store"
)

const usage = `forkline - reconstruct conversation branches from captured LLM API calls

usage:
  forkline reconstruct [-diagnostics] [-json] [-headers] FILE
  forkline batch [-dir DIR] [-file FILE] [-force] [-dry-run] [-diagnostics]
  forkline serve

environment:
  FORKLINE_CONFIG       optional YAML config file (env wins over file)
  FORKLINE_PORT         API port (default 8760)
  LOG_LEVEL             debug|info|warn|error (default info)
  SESSIONS_DIR          capture files directory (default ./sessions)
  STORE_DRIVER          none|postgres|sqlite (default none)
  DATABASE_URL          postgres connection string
  SQLITE_PATH           sqlite database file (default forkline.db)
  NATS_URL, NATS_TOKEN  hermes bus (serve only)
  SLACK_BOT_TOKEN, SLACK_CHANNEL  optional summary posting
  FORKLINE_DIAGNOSTICS  explain rejected candidates (default false)
  STATE_PATH            batch state file (default ~/.forkline/batch-state.json)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "forkline: %v\n", err)
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	// reconstruct writes its report to stdout, so logs go to stderr.
	logOut := os.Stdout
	if cmd == "reconstruct" {
		logOut = os.Stderr
	}
	setupLogging(cfg.LogLevel, logOut)

	switch cmd {
	case "reconstruct":
		err = runReconstruct(cfg, args, os.Stdout)
	case "batch":
		err = runBatch(cfg, args)
	case "serve":
		err = runServe(cfg)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "forkline: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// runReconstruct prints the forest of one capture file.
func runReconstruct(cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reconstruct", flag.ContinueOnError)
	diagnostics := fs.Bool("diagnostics", cfg.Diagnostics, "explain every rejected candidate branch")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	headers := fs.Bool("headers", false, "print x- request headers and metadata of each call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("reconstruct: expected exactly one capture file, got %d", fs.NArg())
	}

	sess, err := record.LoadSession(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	for _, w := range sess.Warnings {
		slog.Warn("skipped malformed record", "session", sess.Name, "error", w)
	}

	rep := branch.Reconstruct(sess.Records, slog.Default(), *diagnostics)
	rep.AddUndecodable(len(sess.Warnings))

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"session":      sess.Name,
			"total":        rep.Total,
			"eligible":     rep.Eligible,
			"excluded":     rep.Excluded,
			"undecodable":  rep.Undecodable,
			"parse_errors": rep.ParseErrors,
			"branches":     rep.Summaries(),
			"mismatches":   rep.Mismatches,
		})
	}

	if err := rep.Render(out); err != nil {
		return err
	}
	if *headers {
		return printHeaders(out, sess.Records)
	}
	return nil
}

// printHeaders lists identifying request headers and metadata per eligible call.
func printHeaders(out io.Writer, records []record.CallRecord) error {
	var sb strings.Builder
	sb.WriteString("\nRequest identifiers:\n")
	for _, rec := range records {
		if !branch.Eligible(rec) {
			continue
		}
		fmt.Fprintf(&sb, "  - call #%d (%d msgs)\n", rec.Seq, len(rec.Messages()))
		for _, h := range rec.XHeaders() {
			fmt.Fprintf(&sb, "      %s\n", h)
		}
		if md := rec.Metadata(); len(md) > 0 {
			b, err := json.Marshal(md)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			fmt.Fprintf(&sb, "      metadata: %s\n", b)
		}
	}
	_, err := io.WriteString(out, sb.String())
	return err
}

// runBatch reconstructs every capture file under the sessions directory.
func runBatch(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	dir := fs.String("dir", cfg.SessionsDir, "directory of capture files")
	file := fs.String("file", "", "process a single capture file")
	force := fs.Bool("force", false, "reprocess files already in the state file")
	dryRun := fs.Bool("dry-run", false, "do not write to the store")
	diagnostics := fs.Bool("diagnostics", cfg.Diagnostics, "explain every rejected candidate branch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var poster session.Poster
	if sp := newSlackPoster(cfg); sp != nil {
		poster = sp
	}

	runner := session.NewRunner(session.Config{
		Dir:         *dir,
		SingleFile:  *file,
		StatePath:   cfg.StatePath,
		Diagnostics: *diagnostics,
		Force:       *force,
		DryRun:      *dryRun,
	}, db, poster, slog.Default())

	_, err = runner.Run(ctx)
	return err
}

// runServe runs the live pipeline and the HTTP API until interrupted.
func runServe(cfg config.Config) error {
	slog.Info("forkline starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Slack poster (optional)
	var poster processor.Poster
	if sp := newSlackPoster(cfg); sp != nil {
		poster = sp
	} else {
		slog.Warn("slack not configured, summaries will only be logged")
	}

	// Processor, the live pipeline
	proc := processor.New(db, hermesClient, poster, cfg.Diagnostics, slog.Default())

	if err := hermesClient.Subscribe(hermes.SubjectCall, proc.HandleCall); err != nil {
		return fmt.Errorf("subscribe to captured calls: %w", err)
	}
	if err := hermesClient.Subscribe(hermes.SubjectSessionClosed, proc.HandleSessionClosed); err != nil {
		return fmt.Errorf("subscribe to session close: %w", err)
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.SessionsDir, db, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("forkline ready", "port", cfg.Port, "sessions_dir", cfg.SessionsDir, "store", cfg.StoreDriver)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	for _, name := range proc.Open() {
		if _, err := proc.Close(shutdownCtx, name); err != nil {
			slog.Warn("failed to reconstruct open session on shutdown", "session", name, "error", err)
		}
	}
	cancel()
	slog.Info("forkline stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	db, err := store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if db != nil {
		slog.Info("store connected", "driver", cfg.StoreDriver)
	}
	return db, nil
}

func newSlackPoster(cfg config.Config) *slack.Poster {
	if cfg.SlackBotToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	return slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
