// Package commands defines all Cobra CLI commands for the ragchat binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat/internal/audit"
	"github.com/54b3r/ragchat/internal/config"
	"github.com/54b3r/ragchat/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragchat",
		Short: "ragchat answers questions about your documents",
		Long: `ragchat is a local retrieval-augmented chat assistant.

Drop PDF, DOCX or text files into the documents directory (DOCS_DIR,
default ./documents), build the index, then ask questions. Answers are
grounded in the passages retrieved from your documents and streamed from
the configured chat model.

The chat model is selected via MODEL_PROVIDER, the embedding model via
EMBEDDING_PROVIDER and EMBEDDING_MODEL. Settings may also come from a YAML
config file (~/.ragchat/config.yaml) or a .env file in the working
directory; environment variables always win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			if err := config.LoadDotEnv(".env", log); err != nil {
				return err
			}

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			audit.LogCommandStart(log, cmd.CommandPath(), loadedConfigPath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragchat/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewChatCmd(),
		NewDocsCmd(),
		NewIndexCmd(),
		NewSearchCmd(),
		NewConversationsCmd(),
		NewVersionCmd(),
	)

	return root
}
