package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ragchat/models"
)

func newLabelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "labels",
		Short: "List the labels known to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			labels, err := newBackendClient(cfg).Labels(cmd.Context())
			if err != nil {
				return err
			}
			for _, l := range labels {
				fmt.Println(l)
			}
			return nil
		},
	}
}

func newCountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Show how many documents the current embedder has indexed",
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

			ids, _ := cmd.Flags().GetStringSlice("doc")
			docs := make([]models.DocumentFilter, 0, len(ids))
			for _, id := range ids {
				docs = append(docs, models.DocumentFilter{UUID: id})
			}
			model := ragConfig.EmbeddingModel()
			count, err := client.DataCount(cmd.Context(), model, docs)
			if err != nil {
				return err
			}
			color.Green("%d documents (embedder %s)", count, model)
			return nil
		},
	}
	cmd.Flags().StringSlice("doc", nil, "Restrict the count to these document ids")
	return cmd
}
