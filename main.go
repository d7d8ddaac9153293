package main

import (
	"os"

	"github.com/spf13/cobra"

	"ragchat/config"
)

var rootCmd = &cobra.Command{
	Use:   "ragchat",
	Short: "Conversational client for a retrieval-augmented generation backend",
	Long: `ragchat sends questions to a RAG backend, shows the retrieved documents
and streams the generated answer over a websocket connection.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		lvl, _ := f.GetString("log-level")
		format, _ := f.GetString("log-format")
		withCaller, _ := f.GetBool("with-caller")
		return initLogger(lvl, format, withCaller)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to a YAML config file")
	pf.String("backend-url", "", "Backend base URL (overrides config)")
	pf.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.String("log-format", "console", "Log format (console, json)")
	pf.Bool("with-caller", false, "Add caller information to log lines")

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMockBackendCommand())
	rootCmd.AddCommand(newLabelsCommand())
	rootCmd.AddCommand(newCountCommand())
	rootCmd.AddCommand(newRAGConfigCommand())
}

// loadConfig reads the config named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if backendURL, _ := cmd.Flags().GetString("backend-url"); backendURL != "" {
		cfg.Backend.URL = backendURL
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
