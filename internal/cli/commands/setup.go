package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/sqltrainer/internal/cli/config"
	"github.com/leapstack-labs/sqltrainer/internal/cli/output"
	"github.com/leapstack-labs/sqltrainer/internal/metrics"
	"github.com/leapstack-labs/sqltrainer/internal/recordstore"
	"github.com/leapstack-labs/sqltrainer/internal/workspace"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg       *config.Config
	Logger    *slog.Logger
	Renderer  *output.Renderer
	Records   *recordstore.Store
	Workspace *workspace.Workspace
	Registry  *prometheus.Registry
}

// NewCommandContext opens the record store and rehydrates the workspace.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cc := NewCommandContextWithoutWorkspace(cmd)
	ctx := cmd.Context()

	if err := ensureStoreDir(cc.Cfg.StorePath); err != nil {
		return nil, nil, err
	}
	records := recordstore.NewStore(cc.Logger)
	if err := records.Open(cc.Cfg.StorePath); err != nil {
		return nil, nil, err
	}

	var m *metrics.Metrics
	if cc.Cfg.Metrics {
		cc.Registry = prometheus.NewRegistry()
		m = metrics.New(cc.Registry)
	}

	ws := workspace.New(records, workspace.Config{
		Mode:        cc.Cfg.EngineMode(),
		IdleTimeout: cc.Cfg.Engine.IdleTimeout,
		SaveDelay:   cc.Cfg.Save.Delay,
		Logger:      cc.Logger,
		Metrics:     m,
	})
	if err := ws.Init(ctx); err != nil {
		_ = ws.Close(context.WithoutCancel(ctx))
		_ = records.Close()
		return nil, nil, err
	}

	cc.Records = records
	cc.Workspace = ws

	cleanup := func() {
		// Pending saves must land even when the command context was canceled.
		if err := ws.Close(context.WithoutCancel(ctx)); err != nil {
			cc.Logger.Error("failed to save changes", slog.String("error", err.Error()))
		}
		if cc.Registry != nil {
			if err := printMetrics(cc.Renderer, cc.Registry); err != nil {
				cc.Logger.Warn("failed to gather metrics", slog.String("error", err.Error()))
			}
		}
		_ = records.Close()
	}

	return cc, cleanup, nil
}

// NewCommandContextWithoutWorkspace creates a CommandContext without
// opening the record store.
func NewCommandContextWithoutWorkspace(cmd *cobra.Command) *CommandContext {
	cfg := getConfig()
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.Mode(cfg.Output)),
	}
}

// Database resolves ref to an open database. ref is an id or a name; an
// empty ref selects the active database.
func (cc *CommandContext) Database(ref string) (*workspace.Database, error) {
	if ref == "" {
		d, ok := cc.Workspace.Active()
		if !ok {
			return nil, &core.PreconditionError{Op: "select database", Reason: "no databases; create one first"}
		}
		return d, nil
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return cc.Workspace.Get(id)
	}
	var found *workspace.Database
	for _, d := range cc.Workspace.Databases() {
		if d.Name != ref {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("database name %q is ambiguous; use its id", ref)
		}
		found = d
	}
	if found == nil {
		return nil, fmt.Errorf("database %q: %w", ref, core.ErrNotFound)
	}
	return found, nil
}

// getConfig returns the current configuration, or the defaults when no
// configuration has been loaded.
func getConfig() *config.Config {
	if cfg := config.GetCurrentConfig(); cfg != nil {
		return cfg
	}
	return config.Defaults()
}

func ensureStoreDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return nil
}

func printMetrics(r *output.Renderer, g prometheus.Gatherer) error {
	samples, err := metrics.Gather(g)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return errors.New("no samples")
	}
	rows := make([][]any, len(samples))
	for i, s := range samples {
		rows[i] = []any{s.Name, s.Labels, s.Value}
	}
	errRenderer := output.NewRendererWithTTY(r.ErrWriter(), r.ErrWriter(), false, output.ModeTable)
	return errRenderer.Table([]string{"metric", "labels", "value"}, rows)
}

// argOrEmpty returns args[i] or "" when absent.
func argOrEmpty(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
