package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fallora/internal/models"
)

func newHistoryCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show or clear the generation history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("history requires a subcommand: list|clear")
		},
	}

	var asJSON bool
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List past generations, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ro, func(a *app) error {
				entries := a.history.LoadAll(cmd.Context())
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}
				return printHistory(cmd.OutOrStdout(), entries)
			})
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every history entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(ro, func(a *app) error {
				in := bufio.NewReader(cmd.InOrStdin())
				cleared, err := a.history.Clear(cmd.Context(), func(question string) bool {
					if yes {
						return true
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N] ", question)
					line, _ := in.ReadString('\n')
					switch strings.ToLower(strings.TrimSpace(line)) {
					case "y", "yes":
						return true
					}
					return false
				})
				if err != nil {
					return err
				}
				if cleared {
					fmt.Fprintln(cmd.OutOrStdout(), "history cleared")
				}
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	cmd.AddCommand(list, clearCmd)
	return cmd
}

func printHistory(w io.Writer, entries []models.HistoryEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no history")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMODEL\tSEED\tLORAS\tPROMPT\tIMAGE")
	for _, e := range entries {
		names := make([]string, 0, len(e.Loras))
		for _, l := range e.Loras {
			names = append(names, fmt.Sprintf("%s:%g", l.Model, l.Weight))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Timestamp, e.BaseModel, e.Seed, strings.Join(names, ","), truncate(e.Prompt, 40), e.ImageURL)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
