package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/sqltrainer/internal/cli/output"
)

// NewQueriesCommand creates the queries command and its subcommands.
func NewQueriesCommand() *cobra.Command {
	var database string

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Manage the queries of a database",
		Long: `Manage the queries of a database.

Every database keeps a list of queries with the results of their last run.
'sqltrainer run' runs the first query unless --query selects another.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listQueries(cmd, database)
		},
	}
	cmd.PersistentFlags().StringVarP(&database, "database", "d", "", "Database id or name (default: active)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listQueries(cmd, database)
		},
	})
	cmd.AddCommand(newQueriesAddCommand(&database))
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <index>",
		Short: "Remove a query",
		Long:  `Remove a query. Removing the only query clears it instead.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueryIndex(cmd, database, args[0], func(cc *CommandContext, id int64, index int) error {
				if err := cc.Workspace.RemoveQuery(id, index); err != nil {
					return err
				}
				cc.Renderer.Success(fmt.Sprintf("removed query %d", index))
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [index]",
		Short: "Show a query and its last results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Database(database)
			if err != nil {
				return err
			}
			index := d.ActiveQueryIndex()
			if len(args) == 1 {
				if index, err = strconv.Atoi(args[0]); err != nil {
					return fmt.Errorf("invalid query index %q", args[0])
				}
			}
			queries := d.Queries()
			if index < 0 || index >= len(queries) {
				return fmt.Errorf("query index %d out of range", index)
			}
			q := queries[index]
			r := cc.Renderer
			if r.Mode() != output.ModeJSON && r.Mode() != output.ModeYAML {
				r.Header(2, fmt.Sprintf("Query %d", index))
				r.Println(q.Text)
				r.Println()
			}
			if err := renderQuery(r, index, q); err != nil {
				return err
			}
			if q.Error != "" {
				r.Error(q.Error)
			}
			return nil
		},
	})

	return cmd
}

func newQueriesAddCommand(database *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add [sql]",
		Short: "Add a query and select it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql := argOrEmpty(args, 0)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read query file: %w", err)
				}
				sql = string(b)
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Database(*database)
			if err != nil {
				return err
			}
			index, err := cc.Workspace.AddQuery(d.ID, sql)
			if err != nil {
				return err
			}
			cc.Renderer.Success(fmt.Sprintf("added query %d", index))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the SQL text from a file")
	return cmd
}

func listQueries(cmd *cobra.Command, database string) error {
	cc, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := cc.Database(database)
	if err != nil {
		return err
	}
	return renderQueries(cc.Renderer, d)
}

func withQueryIndex(cmd *cobra.Command, database, arg string, fn func(cc *CommandContext, id int64, index int) error) error {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("invalid query index %q", arg)
	}

	cc, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := cc.Database(database)
	if err != nil {
		return err
	}
	return fn(cc, d.ID, index)
}
