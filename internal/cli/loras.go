package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"fallora/internal/lora"
	"fallora/internal/models"
)

func newLorasCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "loras [base-model]",
		Short:   "List the catalog LoRAs offered for a base model",
		Example: "  fallora loras\n  fallora loras fal-ai/qwen-image",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := models.BaseModels[0]
			if len(args) == 1 {
				base = args[0]
			}
			if !models.IsBaseModel(base) {
				return fmt.Errorf("unknown base model %q", base)
			}
			return withApp(ro, func(a *app) error {
				return printView(cmd.OutOrStdout(), a.catalog.Refresh(cmd.Context(), base))
			})
		},
	}
}

func printView(w io.Writer, v lora.View) error {
	section := func(title string, names []string) {
		if names == nil {
			fmt.Fprintf(w, "%s: not available\n", title)
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(names))
		for _, n := range names {
			fmt.Fprintf(w, "  %s\n", n)
		}
	}
	fmt.Fprintf(w, "base model: %s\n", v.BaseModel)
	section("civitai", v.Curated)
	section("style", v.Style)
	return nil
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List base models and resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "base models:")
			for _, m := range models.BaseModels {
				fmt.Fprintf(w, "  %s\n", m)
			}
			fmt.Fprintf(w, "resolutions: %s (default %s)\n", strings.Join(models.Resolutions, ", "), models.DefaultResolution)
			return nil
		},
	}
}
