package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ragchat/handlers"
)

func newMockBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Run a local stand-in backend with an in-memory corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if addr, _ := f.GetString("addr"); addr != "" {
				cfg.Mock.Addr = addr
			}
			if corpus, _ := f.GetString("corpus"); corpus != "" {
				cfg.Mock.CorpusFile = corpus
			}
			originsStr, _ := f.GetString("allowed-origins")
			var allowedOrigins []string
			if originsStr != "" {
				allowedOrigins = strings.Split(originsStr, ",")
			}
			tokenDelay, _ := f.GetDuration("token-delay")

			corpus := handlers.DefaultCorpus()
			if cfg.Mock.CorpusFile != "" {
				corpus, err = handlers.LoadCorpus(cfg.Mock.CorpusFile)
				if err != nil {
					return err
				}
			}

			server := &http.Server{
				Addr:              cfg.Mock.Addr,
				Handler:           handlers.NewMux(corpus, allowedOrigins, handlers.WithTokenDelay(tokenDelay)),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			log.Info().
				Str("addr", cfg.Mock.Addr).
				Int("documents", len(corpus.Documents)).
				Msg("mock backend listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "mock backend")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "Listen address (overrides config)")
	f.String("corpus", "", "YAML or JSON corpus file (built-in sample when empty)")
	f.String("allowed-origins", "", "Comma separated origins allowed on the stream endpoint")
	f.Duration("token-delay", 30*time.Millisecond, "Pause between streamed words")
	return cmd
}
