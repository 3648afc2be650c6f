package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/logging"
)

// NewSearchCmd constructs the `ragchat search` command, which prints the
// passages the assistant would receive for a query, with their scores.
func NewSearchCmd() *cobra.Command {
	var k int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the passages retrieved for a query",
		Long: `Embed the query and print the k most similar passages from the index,
highest score first. No chat model is involved.

Examples:
  ragchat search "cycle de Krebs"
  ragchat search -k 10 --json "photosynthèse"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCorpus(ctx, logging.New(), nil, nil)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer c.Close()

			hits, err := c.engine.Search(ctx, strings.Join(args, " "), k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, hits)
			}
			if len(hits) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no passages found (is the index built? try: ragchat index rebuild)")
				return nil
			}
			for i, h := range hits {
				loc := h.Source
				if h.Unit > 0 {
					loc = fmt.Sprintf("%s p.%d", h.Source, h.Unit)
				}
				fmt.Fprintf(out, "[%d] %.3f  %s #%d\n%s\n\n", i+1, h.Score, loc, h.Ordinal, h.Content)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "Number of passages to return (default RETRIEVAL_TOP_K)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the passages as JSON")
	return cmd
}
