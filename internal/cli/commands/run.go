package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/sqltrainer/internal/notifier"
	"github.com/leapstack-labs/sqltrainer/internal/workspace"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	SQL   string
	File  string
	New   bool
	Query int
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &RunOptions{Query: -1}

	cmd := &cobra.Command{
		Use:   "run [database]",
		Short: "Run a query",
		Long: `Run a query of a database and print its results. The first query runs
unless --query selects another.

With --sql or --file the query's text is replaced first, or a new query is
added and run with --new. Press Ctrl-C to stop a long-running query.`,
		Example: `  # Run the first query of the active database
  sqltrainer run

  # Replace the second query and run it
  sqltrainer run shop --query 1 --sql "SELECT * FROM customers"

  # Add a query from a file and run it
  sqltrainer run --new --file report.sql`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, argOrEmpty(args, 0), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.SQL, "sql", "e", "", "SQL text to run")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Read the SQL text from a file")
	cmd.Flags().BoolVar(&opts.New, "new", false, "Add the SQL as a new query instead of replacing one")
	cmd.Flags().IntVarP(&opts.Query, "query", "q", -1, "Index of the query to run")
	cmd.MarkFlagsMutuallyExclusive("sql", "file")

	return cmd
}

func runQuery(cmd *cobra.Command, ref string, opts *RunOptions) error {
	text := opts.SQL
	hasText := cmd.Flags().Changed("sql")
	if opts.File != "" {
		b, err := os.ReadFile(opts.File)
		if err != nil {
			return fmt.Errorf("failed to read query file: %w", err)
		}
		text, hasText = string(b), true
	}
	if opts.New && !hasText {
		return fmt.Errorf("--new requires --sql or --file")
	}

	cc, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := cc.Database(ref)
	if err != nil {
		return err
	}
	ws := cc.Workspace

	if opts.Query >= 0 {
		if err := ws.SetActiveQuery(d.ID, opts.Query); err != nil {
			return err
		}
	}
	switch {
	case opts.New:
		if _, err := ws.AddQuery(d.ID, text); err != nil {
			return err
		}
	case hasText:
		if err := ws.SetQueryText(d.ID, d.ActiveQueryIndex(), text); err != nil {
			return err
		}
	}

	runErr := executeQuery(cmd.Context(), cc, d)
	if err := renderQuery(cc.Renderer, d.ActiveQueryIndex(), d.ActiveQuery()); err != nil {
		return err
	}
	if errors.Is(runErr, core.ErrResourceClosed) {
		cc.Renderer.Warning("query stopped")
		return nil
	}
	return runErr
}

// executeQuery runs the selected query of d. An interrupt signal stops the
// query instead of ending the process.
func executeQuery(ctx context.Context, cc *CommandContext, d *workspace.Database) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigs:
			cc.Renderer.StatusLine("stopping...")
			if err := cc.Workspace.Stop(context.WithoutCancel(ctx), d.ID); err != nil {
				cc.Logger.Warn("failed to stop query", slog.Int64("id", d.ID), slog.String("error", err.Error()))
			}
		case <-done:
		}
	}()

	events := cc.Workspace.Subscribe()
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		reportProgress(cc, d.ID, events)
	}()

	err := cc.Workspace.Run(ctx, d.ID)
	cc.Workspace.Unsubscribe(events)
	<-reported
	cc.Renderer.ClearStatus()
	return err
}

// reportProgress shows the statement progress of database id until ch is
// closed.
func reportProgress(cc *CommandContext, id int64, ch chan notifier.Event) {
	for ev := range ch {
		if ev.DatabaseID != id || ev.Kind != notifier.QueryResult {
			continue
		}
		cc.Renderer.StatusLine("running... " + strconv.FormatFloat(ev.Progress, 'f', 0, 64) + "%")
	}
}
