package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/sqltrainer/internal/schema"
	"github.com/leapstack-labs/sqltrainer/internal/workspace"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

const continuationPrompt = "   ...> "

// NewShellCommand creates the shell command.
func NewShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell [database]",
		Short: "Start an interactive SQL shell",
		Long: `Start an interactive SQL shell on a database.

Each statement entered becomes the text of the selected query and is run
immediately. Ctrl-C stops a running query. Type .help for commands.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Database(argOrEmpty(args, 0))
			if err != nil {
				return err
			}
			return runShell(cmd, cc, d)
		},
	}
}

// shell is the state of an interactive session.
type shell struct {
	ctx    context.Context
	cc     *CommandContext
	db     *workspace.Database
	out    io.Writer
	errOut io.Writer
	buf    strings.Builder
}

func runShell(cmd *cobra.Command, cc *CommandContext, d *workspace.Database) error {
	sh := &shell{ctx: cmd.Context(), cc: cc, db: d, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}

	rlCfg := &readline.Config{
		Prompt:          sh.prompt(),
		HistoryFile:     historyFile(cc.Cfg.StorePath),
		AutoComplete:    sh.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
		Stdout:          sh.out,
		Stderr:          sh.errOut,
	}
	if in := cmd.InOrStdin(); in != os.Stdin {
		rlCfg.Stdin = io.NopCloser(in)
	}
	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize shell: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintf(sh.out, "sqltrainer shell (database: %s)\n", d.Name)
	_, _ = fmt.Fprintln(sh.out, "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(sh.out)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			sh.buf.Reset()
			rl.SetPrompt(sh.prompt())
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if sh.handleLine(line) {
			return nil
		}
		if sh.buf.Len() > 0 {
			rl.SetPrompt(continuationPrompt)
		} else {
			rl.SetPrompt(sh.prompt())
			rl.Config.AutoComplete = sh.completer()
		}
	}
}

func (sh *shell) prompt() string {
	return sh.db.Name + "> "
}

// handleLine processes one input line and reports whether the session
// should end. SQL accumulates until a line ends with a semicolon.
func (sh *shell) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if sh.buf.Len() == 0 && strings.HasPrefix(line, ".") {
		return sh.dotCommand(line)
	}

	sh.buf.WriteString(line)
	if !strings.HasSuffix(line, ";") {
		sh.buf.WriteString("\n")
		return false
	}
	sql := sh.buf.String()
	sh.buf.Reset()

	sh.runSQL(sql)
	return false
}

func (sh *shell) runSQL(sql string) {
	ws := sh.cc.Workspace
	if err := ws.SetQueryText(sh.db.ID, sh.db.ActiveQueryIndex(), sql); err != nil {
		sh.printErr(err)
		return
	}

	runErr := executeQuery(sh.ctx, sh.cc, sh.db)
	var pre *core.PreconditionError
	if errors.As(runErr, &pre) {
		sh.printErr(runErr)
		return
	}
	q := sh.db.ActiveQuery()
	if err := renderQuery(sh.cc.Renderer, sh.db.ActiveQueryIndex(), q); err != nil {
		sh.printErr(err)
	}
	switch {
	case errors.Is(runErr, core.ErrResourceClosed):
		sh.cc.Renderer.Warning("query stopped")
	case q.Error != "":
		sh.cc.Renderer.Error(q.Error)
	}
	_, _ = fmt.Fprintln(sh.out)
}

func (sh *shell) dotCommand(line string) bool {
	parts := strings.Fields(line)
	command := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	ws := sh.cc.Workspace
	r := sh.cc.Renderer

	var err error
	switch command {
	case ".quit", ".exit":
		return true

	case ".help":
		printShellHelp(sh.out)

	case ".tables":
		err = renderTables(r, sh.db.Tables(), false)

	case ".schema":
		tables := sh.db.Tables()
		if arg != "" {
			tables = filterTables(tables, arg)
			if len(tables) == 0 {
				err = fmt.Errorf("no table or view named %q", arg)
				break
			}
		}
		err = renderTables(r, tables, true)

	case ".queries":
		err = renderQueries(r, sh.db)

	case ".new":
		var index int
		if index, err = ws.AddQuery(sh.db.ID, ""); err == nil {
			r.Success(fmt.Sprintf("added query %d", index))
		}

	case ".select":
		var index int
		if index, err = strconv.Atoi(arg); err != nil {
			err = fmt.Errorf("usage: .select <index>")
			break
		}
		err = ws.SetActiveQuery(sh.db.ID, index)

	case ".databases":
		rows := [][]any{}
		for _, d := range ws.Databases() {
			rows = append(rows, []any{flag(d.ID == sh.db.ID), d.ID, d.Name})
		}
		err = r.Table([]string{"current", "id", "name"}, rows)

	case ".use":
		if arg == "" {
			err = fmt.Errorf("usage: .use <database>")
			break
		}
		var d *workspace.Database
		if d, err = sh.cc.Database(arg); err == nil {
			if err = ws.SetActive(d.ID); err == nil {
				sh.db = d
			}
		}

	case ".restore":
		if err = ws.RestoreOriginal(sh.ctx, sh.db.ID); err == nil {
			r.Success(fmt.Sprintf("restored database %q", sh.db.Name))
		}

	case ".clear":
		_, _ = fmt.Fprint(sh.out, "\033[H\033[2J")

	default:
		_, _ = fmt.Fprintf(sh.errOut, "Unknown command: %s (type .help for commands)\n", command)
	}

	if err != nil {
		sh.printErr(err)
	}
	return false
}

func (sh *shell) printErr(err error) {
	_, _ = fmt.Fprintf(sh.errOut, "Error: %v\n", err)
}

// completer offers table names of the current database and dot-commands.
func (sh *shell) completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, name := range schema.Names(sh.db.Tables()) {
		items = append(items, readline.PcItem(name))
	}
	items = append(items,
		readline.PcItem(".help"),
		readline.PcItem(".tables"),
		readline.PcItem(".schema"),
		readline.PcItem(".queries"),
		readline.PcItem(".new"),
		readline.PcItem(".select"),
		readline.PcItem(".databases"),
		readline.PcItem(".use"),
		readline.PcItem(".restore"),
		readline.PcItem(".clear"),
		readline.PcItem(".quit"),
		readline.PcItem(".exit"),
	)
	return readline.NewPrefixCompleter(items...)
}

func filterTables(tables []schema.Table, name string) []schema.Table {
	var out []schema.Table
	for _, t := range tables {
		if strings.EqualFold(t.Name, name) {
			out = append(out, t)
		}
	}
	return out
}

// historyFile keeps shell history next to the record store.
func historyFile(storePath string) string {
	if storePath == "" || storePath == ":memory:" {
		return ""
	}
	return filepath.Join(filepath.Dir(storePath), "shell_history")
}

func printShellHelp(w io.Writer) {
	help := `
Commands:
  .help             Show this help message
  .tables           List tables and views
  .schema [name]    Show columns of every table, or of one
  .queries          List the queries of this database
  .new              Add an empty query and select it
  .select <index>   Select a query
  .databases        List databases
  .use <database>   Switch to another database
  .restore          Restore the original definition
  .clear            Clear the screen
  .quit / .exit     Exit the shell

Tips:
  - SQL statements must end with a semicolon (;)
  - The statement replaces the text of the selected query
  - Ctrl-C stops a running query
`
	_, _ = fmt.Fprintln(w, help)
}
