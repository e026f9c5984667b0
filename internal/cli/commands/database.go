package commands

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/sqltrainer/internal/workspace"
)

// NewCreateCommand creates the create command.
func NewCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name> <script.sql>...",
		Short: "Create a database from SQL scripts",
		Long: `Create a new database by running SQL scripts in order.

The resulting database becomes the active one. Its definition is kept so
it can be restored later with 'sqltrainer restore'.`,
		Example: `  sqltrainer create shop schema.sql data.sql`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts := make([]string, 0, len(args)-1)
			for _, path := range args[1:] {
				b, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read script: %w", err)
				}
				scripts = append(scripts, string(b))
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			r := cc.Renderer
			d, err := cc.Workspace.Create(cmd.Context(), args[0], scripts, func(p workspace.CreateProgress) {
				if p.Exporting {
					r.StatusLine("saving...")
					return
				}
				r.StatusLine(fmt.Sprintf("script %.0f%% statements %.0f%%", p.Scripts, p.Statements))
			})
			r.ClearStatus()
			if err != nil {
				return err
			}
			r.Success(fmt.Sprintf("created database %q (id %d)", d.Name, d.ID))
			return renderTables(r, d.Tables(), false)
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.db> [name]",
		Short: "Import a SQLite database file",
		Long:  `Import a SQLite database file as a new database. The name defaults to the file name.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read database file: %w", err)
			}
			name := argOrEmpty(args, 1)
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Workspace.Import(cmd.Context(), name, image)
			if err != nil {
				return err
			}
			cc.Renderer.Success(fmt.Sprintf("imported database %q (id %d)", d.Name, d.ID))
			return nil
		},
	}
}

type databaseOutput struct {
	ID      int64  `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Active  bool   `json:"active" yaml:"active"`
	Tables  int    `json:"tables" yaml:"tables"`
	Queries int    `json:"queries" yaml:"queries"`
}

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List databases",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			activeID := cc.Workspace.ActiveID()
			docs := []databaseOutput{}
			for _, d := range cc.Workspace.Databases() {
				docs = append(docs, databaseOutput{
					ID:      d.ID,
					Name:    d.Name,
					Active:  d.ID == activeID,
					Tables:  len(d.Tables()),
					Queries: len(d.Queries()),
				})
			}

			r := cc.Renderer
			if done, err := r.Document(docs); done || err != nil {
				return err
			}
			if len(docs) == 0 {
				r.Println("No databases. Create one with 'sqltrainer create'.")
				return nil
			}
			rows := make([][]any, len(docs))
			for i, d := range docs {
				rows[i] = []any{flag(d.Active), d.ID, d.Name, d.Tables, d.Queries}
			}
			return r.Table([]string{"active", "id", "name", "tables", "queries"}, rows)
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <database>",
		Aliases: []string{"rm"},
		Short:   "Delete a database and its saved state",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Database(args[0])
			if err != nil {
				return err
			}
			if err := cc.Workspace.Delete(cmd.Context(), d.ID); err != nil {
				return err
			}
			cc.Renderer.Success(fmt.Sprintf("deleted database %q", d.Name))
			return nil
		},
	}
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [database]",
		Short: "Restore a database to its original definition",
		Long: `Replace the contents of a database with the definition it was created
with. Queries and their results are kept.`,
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
			if err := cc.Workspace.RestoreOriginal(cmd.Context(), d.ID); err != nil {
				return err
			}
			cc.Renderer.Success(fmt.Sprintf("restored database %q", d.Name))
			return nil
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes && !confirm(cmd, "Delete every database?") {
				return fmt.Errorf("aborted")
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := cc.Workspace.Clear(cmd.Context()); err != nil {
				return err
			}
			cc.Renderer.Success("cleared all databases")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(cmd *cobra.Command, prompt string) bool {
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N] ", prompt)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
