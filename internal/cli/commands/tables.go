package commands

import (
	"github.com/spf13/cobra"
)

// NewTablesCommand creates the tables command.
func NewTablesCommand() *cobra.Command {
	var columns bool

	cmd := &cobra.Command{
		Use:   "tables [database]",
		Short: "List the tables and views of a database",
		Args:  cobra.MaximumNArgs(1),
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
			return renderTables(cc.Renderer, d.Tables(), columns)
		},
	}

	cmd.Flags().BoolVarP(&columns, "columns", "c", false, "Show the columns of every table")
	return cmd
}
