package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/logging"
)

// NewIndexCmd constructs the `ragchat index` command group.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect or rebuild the vector index",
	}
	cmd.AddCommand(newIndexRebuildCmd(), newIndexStatusCmd())
	return cmd
}

func newIndexRebuildCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from every document in DOCS_DIR",
		Long: `Rebuild the index from scratch: load every supported document, split it
into chunks, embed the chunks and publish the new index. The previous index
stays in effect if the rebuild fails.

Examples:
  ragchat index rebuild
  CHUNK_SIZE=800 CHUNK_OVERLAP=100 ragchat index rebuild`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			var progress func(string)
			if !asJSON {
				progress = progressTo(cmd.ErrOrStderr())
			}
			c, err := openCorpus(ctx, log, nil, progress)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer c.Close()

			sum, err := c.engine.Reindex(ctx)
			if asJSON {
				if encErr := writeJSON(cmd.OutOrStdout(), sum); encErr != nil {
					return encErr
				}
			} else {
				printSummary(cmd.OutOrStdout(), sum)
			}
			if err != nil {
				return fmt.Errorf("index: rebuild failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the rebuild summary as JSON")
	return cmd
}

func newIndexStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the index state and what it was built from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.New()

			c, err := openCorpus(ctx, log, nil, nil)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer c.Close()

			st := c.engine.Status()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func printSummary(w io.Writer, sum engine.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "documents\t%d\n", sum.Documents)
	fmt.Fprintf(tw, "indexed\t%d\n", sum.Indexed)
	fmt.Fprintf(tw, "skipped\t%d\n", sum.Skipped)
	fmt.Fprintf(tw, "failed\t%d\n", sum.Failed)
	fmt.Fprintf(tw, "empty\t%d\n", sum.Empty)
	fmt.Fprintf(tw, "chunks\t%d\n", sum.Chunks)
	if sum.FailedChunks > 0 {
		fmt.Fprintf(tw, "failed chunks\t%d\n", sum.FailedChunks)
	}
	fmt.Fprintf(tw, "duration\t%s\n", sum.Duration.Round(time.Millisecond))
	_ = tw.Flush()
}

func printStatus(w io.Writer, st engine.Status) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "state\t%s\n", st.State)
	fmt.Fprintf(tw, "documents\t%d\n", st.Documents)
	fmt.Fprintf(tw, "chunks\t%d\n", st.Chunks)
	if st.Model != "" {
		fmt.Fprintf(tw, "embedding model\t%s\n", st.Model)
	}
	if st.BuiltAt != nil {
		fmt.Fprintf(tw, "built at\t%s\n", st.BuiltAt.Local().Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", st.LastError)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
