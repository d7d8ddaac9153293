package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ragchat/backend"
	"ragchat/models"
	"ragchat/orchestrator"
)

const configUsage = "usage: /config [reload | save | use <class> <component>]"

// configSession is the part of a session the /config commands touch.
type configSession interface {
	Snapshot() orchestrator.Snapshot
	SetRAGConfig(cfg models.RAGConfig)
	Flush(ctx context.Context) error
}

// runConfigCommand handles "/config ..." typed in the chat. args excludes
// the command itself. use only changes the session; save pushes the session
// config to the backend and reloads what the backend kept.
func runConfigCommand(ctx context.Context, out io.Writer, s configSession, client *backend.Client, args []string) error {
	if len(args) == 0 {
		printRAGConfig(out, s.Snapshot().RAGConfig)
		return nil
	}

	switch args[0] {
	case "reload":
		return reloadRAGConfig(ctx, out, s, client)
	case "save":
		cfg := s.Snapshot().RAGConfig
		if cfg == nil {
			return errors.New("no rag config loaded, run /config reload first")
		}
		if err := client.SetRAGConfig(ctx, cfg); err != nil {
			return err
		}
		fmt.Fprintln(out, "Config saved.")
		return reloadRAGConfig(ctx, out, s, client)
	case "use":
		if len(args) != 3 {
			return errors.New(configUsage)
		}
		cfg, err := s.Snapshot().RAGConfig.Select(args[1], args[2])
		if err != nil {
			return err
		}
		s.SetRAGConfig(cfg)
		if err := s.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s set to %s for this session, /config save to keep it.\n", args[1], args[2])
		return nil
	default:
		return errors.New(configUsage)
	}
}

func reloadRAGConfig(ctx context.Context, out io.Writer, s configSession, client *backend.Client) error {
	cfg, err := client.RAGConfig(ctx)
	if err != nil {
		return err
	}
	s.SetRAGConfig(cfg)
	if err := s.Flush(ctx); err != nil {
		return err
	}
	printRAGConfig(out, cfg)
	return nil
}

func printRAGConfig(out io.Writer, cfg models.RAGConfig) {
	if len(cfg) == 0 {
		fmt.Fprintln(out, "No rag config loaded.")
		return
	}
	for _, class := range cfg.Classes() {
		fmt.Fprintf(out, "%-10s %s\n", class, cfg.Selected(class))
	}
	fmt.Fprintf(out, "%-10s %s\n", "Model", cfg.EmbeddingModel())
}

func newRAGConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rag-config",
		Short: "Show or change the backend's pipeline configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ragConfig, err := newBackendClient(cfg).RAGConfig(cmd.Context())
			if err != nil {
				return err
			}
			printRAGConfig(os.Stdout, ragConfig)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "use <class> <component>",
		Short: "Select a component and save the configuration on the backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := newBackendClient(cfg)
			ragConfig, err := client.RAGConfig(cmd.Context())
			if err != nil {
				return err
			}
			updated, err := ragConfig.Select(args[0], args[1])
			if err != nil {
				return err
			}
			if err := client.SetRAGConfig(cmd.Context(), updated); err != nil {
				return err
			}
			printRAGConfig(os.Stdout, updated)
			return nil
		},
	})
	return cmd
}
