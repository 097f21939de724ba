// Package session runs branch reconstruction over a directory of capture
// files, keeping a resumable state file between runs.
package session

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MikeSquared-Agency/forkline/internal/branch"
	"github.com/MikeSquared-Agency/forkline/internal/record"
	"github.com/MikeSquared-Agency/forkline/internal/store"
)

// Config holds the batch command configuration.
type Config struct {
	Dir         string
	SingleFile  string // process a single file only
	StatePath   string
	Diagnostics bool
	Force       bool // reprocess files the state says are done
	DryRun      bool // skip store writes
}

// Poster posts a formatted summary. *slack.Poster satisfies it.
type Poster interface {
	PostSummary(ctx context.Context, text string) (string, error)
}

// FileSummary is the outcome of reconstructing one session file.
type FileSummary struct {
	Path        string
	Session     string
	Date        string
	Calls       int
	Eligible    int
	Branches    int
	ParseErrors int
	Warnings    int
	Errors      int
	Report      *branch.Report
}

// Runner orchestrates the batch process.
type Runner struct {
	cfg    Config
	store  store.Store
	poster Poster
	logger *slog.Logger
	out    io.Writer
}

// NewRunner creates a batch runner. s and poster may be nil.
func NewRunner(cfg Config, s store.Store, poster Poster, logger *slog.Logger) *Runner {
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	return &Runner{
		cfg:    cfg,
		store:  s,
		poster: poster,
		logger: logger,
		out:    os.Stdout,
	}
}

// SetOutput redirects the end-of-run report.
func (r *Runner) SetOutput(w io.Writer) {
	r.out = w
}

// Run executes the batch process and returns the per-file summaries of the
// files it processed.
func (r *Runner) Run(ctx context.Context) ([]FileSummary, error) {
	state, err := LoadState(r.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	files, err := r.discoverFiles()
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	r.logger.Info("files discovered", "files", len(files))

	var summaries []FileSummary
	skipped := 0
	for _, path := range files {
		select {
		case <-ctx.Done():
			r.logger.Info("batch interrupted, saving state")
			_ = state.Save()
			r.postBatchSummary(ctx, summaries)
			return summaries, ctx.Err()
		default:
		}

		info, err := os.Stat(path)
		if err != nil {
			r.logger.Warn("failed to stat session file", "path", path, "error", err)
			state.AddError(fmt.Sprintf("stat %s: %v", path, err))
			continue
		}
		modTime := info.ModTime().UTC()
		if !r.cfg.Force && state.IsProcessed(path, modTime) {
			skipped++
			continue
		}

		sum, err := r.processFile(ctx, path)
		if err != nil {
			r.logger.Error("failed to process session file", "path", path, "error", err)
			state.AddError(fmt.Sprintf("process %s: %v", path, err))
			continue
		}
		summaries = append(summaries, sum)
		state.MarkProcessed(path, modTime, sum.Branches)
		_ = state.Save()
	}

	// Final save.
	_ = state.Save()

	r.postBatchSummary(ctx, summaries)

	r.logger.Info("batch complete",
		"files_processed", len(summaries),
		"files_skipped", skipped,
		"errors", len(state.Errors),
	)

	fmt.Fprintf(r.out, "\n=== Batch Summary ===\n")
	fmt.Fprintf(r.out, "Files processed: %d\n", len(summaries))
	fmt.Fprintf(r.out, "Files skipped (unchanged): %d\n", skipped)
	for _, s := range summaries {
		fmt.Fprintf(r.out, "  %s: %d calls, %d branches, %d parse errors\n", s.Session, s.Eligible, s.Branches, s.ParseErrors)
	}
	fmt.Fprintf(r.out, "Errors: %d\n", len(state.Errors))
	if r.cfg.DryRun {
		fmt.Fprintf(r.out, "Mode: DRY RUN (no DB writes)\n")
	}
	fmt.Fprintf(r.out, "State file: %s\n", expandHome(r.cfg.StatePath))

	return summaries, nil
}

func (r *Runner) processFile(ctx context.Context, path string) (FileSummary, error) {
	sess, err := record.LoadSession(path)
	if err != nil {
		return FileSummary{}, err
	}
	for _, w := range sess.Warnings {
		r.logger.Warn("skipped malformed record", "session", sess.Name, "error", w)
	}

	rep := branch.Reconstruct(sess.Records, r.logger, r.cfg.Diagnostics)
	rep.AddUndecodable(len(sess.Warnings))
	sum := FileSummary{
		Path:        path,
		Session:     sess.Name,
		Date:        firstDate(sess.Records),
		Calls:       rep.Total,
		Eligible:    rep.Eligible,
		Branches:    len(rep.Branches),
		ParseErrors: rep.ParseErrors,
		Warnings:    len(sess.Warnings),
		Report:      rep,
	}
	r.logger.Info("session reconstructed",
		"session", sess.Name,
		"calls", rep.Total,
		"branches", len(rep.Branches),
		"excluded", rep.Excluded,
		"parse_errors", rep.ParseErrors,
	)

	if r.store != nil && !r.cfg.DryRun {
		if err := r.persist(ctx, sess, rep); err != nil {
			r.logger.Error("persist failed", "session", sess.Name, "error", err)
			sum.Errors++
		}
	}
	return sum, nil
}

func (r *Runner) persist(ctx context.Context, sess *record.Session, rep *branch.Report) error {
	if _, err := r.store.SaveCalls(ctx, sess.Name, sess.Records); err != nil {
		return fmt.Errorf("save calls: %w", err)
	}
	if _, err := r.store.SaveForest(ctx, sess.Name, rep); err != nil {
		return fmt.Errorf("save forest: %w", err)
	}
	return nil
}

// postBatchSummary posts a summary of the run grouped by date. If no poster is
// configured, it logs the summary instead.
func (r *Runner) postBatchSummary(ctx context.Context, summaries []FileSummary) {
	if len(summaries) == 0 {
		return
	}

	text := FormatBatchSummary(summaries)

	if r.poster == nil {
		r.logger.Info("batch summary (no Slack configured)",
			"summary", text,
		)
		return
	}

	if _, err := r.poster.PostSummary(ctx, text); err != nil {
		r.logger.Warn("failed to post batch summary to Slack, logging instead",
			"error", err,
			"summary", text,
		)
	}
}

// FormatBatchSummary formats file summaries grouped by the date of each
// session's first call.
func FormatBatchSummary(summaries []FileSummary) string {
	byDate := make(map[string][]FileSummary)
	for _, s := range summaries {
		date := s.Date
		if date == "" {
			date = "unknown"
		}
		byDate[date] = append(byDate[date], s)
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var sb strings.Builder
	sb.WriteString("*Branch Reconstruction Summary*\n")

	for _, date := range dates {
		files := byDate[date]
		totalCalls, totalBranches := 0, 0
		for _, f := range files {
			totalCalls += f.Eligible
			totalBranches += f.Branches
		}
		fmt.Fprintf(&sb, "\n*%s* (%d sessions, %d calls, %d branches)\n", date, len(files), totalCalls, totalBranches)
		for _, f := range files {
			fmt.Fprintf(&sb, "  - %s: %d calls, %d branches", f.Session, f.Eligible, f.Branches)
			if f.ParseErrors > 0 {
				fmt.Fprintf(&sb, " (%d parse errors)", f.ParseErrors)
			}
			if f.Errors > 0 {
				fmt.Fprintf(&sb, " (%d errors)", f.Errors)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func (r *Runner) discoverFiles() ([]string, error) {
	if r.cfg.SingleFile != "" {
		path := expandHome(r.cfg.SingleFile)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("single file not found: %s", path)
		}
		return []string{path}, nil
	}

	dir := expandHome(r.cfg.Dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("sessions dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sessions dir %s is not a directory", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("error walking sessions dir", "dir", dir, "error", err)
	}
	sort.Strings(files)
	return files, nil
}

func firstDate(records []record.CallRecord) string {
	for _, rec := range records {
		if !rec.Timestamp.IsZero() {
			return rec.Timestamp.UTC().Format("2006-01-02")
		}
	}
	return ""
}
