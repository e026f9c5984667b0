package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewExportCommand creates the export command.
func NewExportCommand() *cobra.Command {
	var (
		out    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "export [database]",
		Short: "Export a database",
		Long: `Export the current contents of a database as a SQLite database file. With
--json the file image is written as a JSON array of byte values.`,
		Example: `  sqltrainer export shop --out shop.db
  sqltrainer export --json > shop.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !asJSON && out == "" {
				return fmt.Errorf("--out is required unless --json is set")
			}

			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := cc.Database(argOrEmpty(args, 0))
			if err != nil {
				return err
			}

			if asJSON {
				doc, err := d.Coordinator().ExportToJSON(cmd.Context())
				if err != nil {
					return err
				}
				if out == "" {
					cc.Renderer.Println(doc)
					return nil
				}
				return writeExport(cc, out, []byte(doc))
			}

			image, err := d.Export(cmd.Context())
			if err != nil {
				return err
			}
			return writeExport(cc, out, image)
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the export to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Export the image as a JSON byte array")
	return cmd
}

func writeExport(cc *CommandContext, path string, b []byte) error {
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	cc.Renderer.Success(fmt.Sprintf("exported %d bytes to %s", len(b), path))
	return nil
}
