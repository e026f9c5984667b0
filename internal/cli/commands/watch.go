package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/sqltrainer/internal/workspace"
)

// watchDebounce collapses the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <file.sql> [database]",
		Short: "Run a SQL file every time it is saved",
		Long: `Watch a SQL file and run it as the selected query of a database each time
the file changes. Press Ctrl-C to stop watching.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Database(argOrEmpty(args, 1))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return watchFile(ctx, cc, d, path)
		},
	}
}

// watchFile runs path against d once, then again after every change until
// ctx is done.
func watchFile(ctx context.Context, cc *CommandContext, d *workspace.Database, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	rerun := make(chan struct{}, 1)
	trigger := func() {
		select {
		case rerun <- struct{}{}:
		default:
		}
	}
	trigger()

	cc.Renderer.Success(fmt.Sprintf("watching %s", path))

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watchDebounce, trigger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cc.Logger.Error("watcher error", slog.String("error", err.Error()))

		case <-rerun:
			runFile(ctx, cc, d, path)
		}
	}
}

func runFile(ctx context.Context, cc *CommandContext, d *workspace.Database, path string) {
	r := cc.Renderer
	b, err := os.ReadFile(path)
	if err != nil {
		r.Error(fmt.Sprintf("failed to read %s: %v", path, err))
		return
	}
	if err := cc.Workspace.SetQueryText(d.ID, d.ActiveQueryIndex(), string(b)); err != nil {
		r.Error(err.Error())
		return
	}

	r.Header(2, fmt.Sprintf("%s (%s)", filepath.Base(path), time.Now().Format(time.TimeOnly)))
	_ = executeQuery(context.WithoutCancel(ctx), cc, d)
	q := d.ActiveQuery()
	if err := renderQuery(r, d.ActiveQueryIndex(), q); err != nil {
		r.Error(err.Error())
	}
	if q.Error != "" {
		r.Error(q.Error)
	}
	r.Println()
}
