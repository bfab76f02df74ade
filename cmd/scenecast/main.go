package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/scenecast/internal/segment"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	rootCmd := &cobra.Command{
		Use:          "scenecast",
		Short:        "Streams narration, illustrations and short videos for story paragraphs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")

	rootCmd.AddCommand(
		newServeCmd(&envFile),
		newSegmentCmd(),
		newProbeCmd(),
	)
	return rootCmd
}

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *envFile)
		},
	}
}

func newSegmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segment [text]",
		Short: "Print how a paragraph is split into spoken sentences",
		Long:  "Print how a paragraph is split into spoken sentences. Reads stdin when no text is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if len(args) == 0 {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(raw)
			}
			printSegments(cmd.OutOrStdout(), text)
			return nil
		},
	}
}

func printSegments(w io.Writer, text string) {
	parts := segment.Split(text)
	for i, p := range parts {
		fmt.Fprintf(w, "%d\t%s\n", i+1, p)
	}
	fmt.Fprintf(w, "total\t%d\n", len(parts))
}
