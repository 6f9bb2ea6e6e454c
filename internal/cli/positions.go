package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalworks/batchpress/pkg/position"
	"github.com/postalworks/batchpress/pkg/render"
	"github.com/postalworks/batchpress/pkg/template"
)

// positionsCommand extracts a template's variable position manifest.
func (c *CLI) positionsCommand() *cobra.Command {
	var (
		outPath string
		dpi     float64
	)

	cmd := &cobra.Command{
		Use:   "positions <template.json>",
		Short: "Extract a template's variable position manifest",
		Long: `Extract the physical position, size, and text style of every variable
element in a template. Coordinates are reported in points from the
bottom-left corner of the canvas, the convention print vendors expect.`,
		Example: `  batchpress positions postcard.json
  batchpress positions postcard.json --dpi 150 -o manifest.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read template %s: %w", args[0], err)
			}
			tpl, err := template.Parse(data)
			if err != nil {
				return err
			}

			m := position.Extract(tpl, position.FormatFor(tpl, dpi), c.Logger)
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			out = append(out, '\n')

			if outPath == "" {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if err := os.WriteFile(outPath, out, 0644); err != nil {
				return fmt.Errorf("write manifest %s: %w", outPath, err)
			}
			printSuccess("Extracted %d variable positions", len(m.Entries))
			printFile(outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the manifest to a file instead of stdout")
	cmd.Flags().Float64Var(&dpi, "dpi", render.DefaultDPI, "design density used for unit conversion")

	return cmd
}
