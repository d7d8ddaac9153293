package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ragchat/adapters"
	"ragchat/backend"
	"ragchat/config"
	"ragchat/connection"
	"ragchat/models"
	"ragchat/orchestrator"
	"ragchat/router"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sessionID, _ := cmd.Flags().GetString("session-id")
			if sessionID == "" {
				sessionID = uuid.New().String()
			}
			return runChat(cmd.Context(), cfg, sessionID)
		},
	}
	cmd.Flags().String("session-id", "", "Session id (random when empty)")
	return cmd
}

func newBackendClient(cfg *config.Config) *backend.Client {
	return backend.New(cfg.Backend.URL, cfg.Backend.Credentials,
		backend.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}))
}

// orchestratorOptions are the session options shared by chat and serve.
func orchestratorOptions(cfg *config.Config, sessionID string, ragConfig models.RAGConfig) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithSessionID(sessionID),
		orchestrator.WithCredentials(cfg.Backend.Credentials),
		orchestrator.WithRetrievalTimeout(cfg.Session.RetrievalTimeout),
		orchestrator.WithMaxHistory(cfg.Session.MaxHistory),
		orchestrator.WithLogger(log.Logger),
	}
	if cfg.Session.Greeting != "" {
		opts = append(opts, orchestrator.WithGreeting(cfg.Session.Greeting))
	}
	if ragConfig != nil {
		opts = append(opts, orchestrator.WithRAGConfig(ragConfig))
	}
	return opts
}

// fetchRAGConfig asks the backend for its pipeline configuration. A
// session can run without it, so failures only warn.
func fetchRAGConfig(ctx context.Context, client *backend.Client) models.RAGConfig {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cfg, err := client.RAGConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not fetch rag config, continuing without it")
		return nil
	}
	return cfg
}

func runChat(parent context.Context, cfg *config.Config, sessionID string) error {
	streamURL, err := cfg.StreamEndpoint()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client := newBackendClient(cfg)
	stream := connection.NewManager(streamURL)
	defer stream.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := client.Health(healthCtx); err != nil {
		log.Warn().Err(err).Str("backend", cfg.Backend.URL).Msg("backend health check failed")
	}
	healthCancel()

	ragConfig := fetchRAGConfig(ctx, client)
	r := newRenderer(os.Stdout)
	opts := append(orchestratorOptions(cfg, sessionID, ragConfig), orchestrator.WithObserver(r.Observe))
	o := orchestrator.New(client, stream, opts...)
	for _, l := range cfg.Session.Labels {
		o.AddLabelFilter(l)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := o.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		r.Run(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return repl(gctx, o, client, sessionID)
	})

	o.Reconnect()
	return g.Wait()
}

func printHelp() {
	fmt.Println("Type a question, or one of:")
	for _, c := range adapters.Commands {
		fmt.Printf("  %-26s %s\n", c.Usage, c.Description)
	}
	fmt.Printf("  %-26s %s\n", "/labels", "list labels known to the backend")
	fmt.Printf("  %-26s %s\n", "/filters", "show the active filters")
	fmt.Printf("  %-26s %s\n", "/count", "number of documents in scope")
	fmt.Printf("  %-26s %s\n", "/config", "show the pipeline configuration")
	fmt.Printf("  %-26s %s\n", "/config use <class> <name>", "select a component for this session")
	fmt.Printf("  %-26s %s\n", "/config save | reload", "push to or re-fetch from the backend")
	fmt.Printf("  %-26s %s\n", "/quit", "leave")
}

func repl(ctx context.Context, o *orchestrator.Orchestrator, client *backend.Client, sessionID string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read input")
		}
		trimmed := strings.TrimSpace(input)
		if trimmed == "" {
			continue
		}
		line.AppendHistory(input)

		switch trimmed {
		case "/quit", "/exit":
			return nil
		case "/help":
			printHelp()
			continue
		case "/labels":
			showLabels(ctx, client)
			continue
		case "/filters":
			showFilters(o.Snapshot())
			continue
		case "/count":
			snap := o.Snapshot()
			showCount(ctx, client, snap.RAGConfig, snap.Documents)
			continue
		}
		if fields := strings.Fields(trimmed); fields[0] == "/config" {
			if err := runConfigCommand(ctx, os.Stdout, o, client, fields[1:]); err != nil {
				color.Red("%v", err)
			}
			continue
		}

		action, err := adapters.NormalizeInput(sessionID, input)
		if err != nil {
			color.Red("%v", err)
			continue
		}
		if err := router.Dispatch(o, action); err != nil {
			color.Red("%v", err)
			continue
		}
		if err := o.Flush(ctx); err != nil {
			return nil
		}
		if action.Type == models.ActionSubmit {
			waitIdle(ctx, o, interrupts)
		}
	}
}

// waitIdle blocks until the turn in flight ends. Ctrl-C cancels the turn.
func waitIdle(ctx context.Context, o *orchestrator.Orchestrator, interrupts <-chan os.Signal) {
	select {
	case <-interrupts:
	default:
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for o.Snapshot().Status != orchestrator.StatusIdle {
		select {
		case <-ctx.Done():
			return
		case <-interrupts:
			o.Cancel()
			_ = o.Flush(ctx)
		case <-ticker.C:
		}
	}
	// let the renderer print the final message before the next prompt
	time.Sleep(50 * time.Millisecond)
}

func showLabels(ctx context.Context, client *backend.Client) {
	labels, err := client.Labels(ctx)
	if err != nil {
		color.Red("Failed to fetch labels: %v", err)
		return
	}
	if len(labels) == 0 {
		fmt.Println("No labels.")
		return
	}
	color.Cyan("Labels: %s", strings.Join(labels, ", "))
}

func showFilters(s orchestrator.Snapshot) {
	if len(s.Labels) == 0 && len(s.Documents) == 0 {
		fmt.Println("No filters active.")
		return
	}
	if len(s.Labels) > 0 {
		color.Cyan("Labels: %s", strings.Join(s.Labels, ", "))
	}
	for _, d := range s.Documents {
		color.Cyan("Document: %s (%s)", d.Title, d.UUID)
	}
}

func showCount(ctx context.Context, client *backend.Client, ragConfig models.RAGConfig, docs []models.DocumentFilter) {
	count, err := client.DataCount(ctx, ragConfig.EmbeddingModel(), docs)
	if err != nil {
		color.Red("Failed to fetch document count: %v", err)
		return
	}
	color.Cyan("%d documents in scope (embedder %s)", count, ragConfig.EmbeddingModel())
}
