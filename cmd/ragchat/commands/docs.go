package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/logging"
)

// NewDocsCmd constructs the `ragchat docs` command group. Adding or
// removing a document rebuilds the index before returning.
func NewDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List, add or remove documents",
	}
	cmd.AddCommand(newDocsListCmd(), newDocsAddCmd(), newDocsRemoveCmd())
	return cmd
}

func newDocsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the documents in DOCS_DIR",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := openCorpus(ctx, logging.New(), nil, nil)
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			defer c.Close()

			docs, err := c.engine.Documents(ctx)
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFORMAT\tSIZE\tMODIFIED")
			for _, d := range docs {
				format := string(d.Format)
				if !d.Supported() {
					format = "unsupported"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Name, format, d.Size, d.ModTime.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newDocsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file>...",
		Short: "Copy files into DOCS_DIR and rebuild the index",
		Long: `Copy one or more files into the documents directory, then rebuild the index
once per file. Supported formats are PDF, DOCX and plain text (.txt).

Examples:
  ragchat docs add cours.pdf
  ragchat docs add chapitre1.docx chapitre2.docx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCorpus(ctx, logging.New(), nil, progressTo(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			defer c.Close()

			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("docs: %w", err)
				}
				doc, sum, err := c.engine.Add(ctx, filepath.Base(path), f)
				_ = f.Close()
				if err != nil {
					return fmt.Errorf("docs: add %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (%d chunks indexed in total)\n", doc.Name, sum.Chunks)
			}
			return nil
		},
	}
}

func newDocsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>...",
		Aliases: []string{"remove"},
		Short:   "Delete documents from DOCS_DIR and rebuild the index",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCorpus(ctx, logging.New(), nil, progressTo(cmd.ErrOrStderr()))
			if err != nil {
				return fmt.Errorf("docs: %w", err)
			}
			defer c.Close()

			for _, name := range args {
				sum, err := c.engine.Remove(ctx, name)
				if err != nil {
					return fmt.Errorf("docs: remove %s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%d chunks remain)\n", name, sum.Chunks)
			}
			return nil
		},
	}
}
