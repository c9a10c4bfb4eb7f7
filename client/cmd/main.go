package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"askpdf/client"
	"askpdf/client/tui"
	"askpdf/types"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultServer() string {
	if s := os.Getenv("ASKPDF_SERVER"); s != "" {
		return s
	}
	return "http://localhost:5000"
}

func newRootCommand() *cobra.Command {
	var server string
	root := &cobra.Command{
		Use:           "askpdf",
		Short:         "Upload PDFs and ask questions about them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", defaultServer(), "askpdf server URL")

	c := func() *client.Client { return client.New(server) }
	root.AddCommand(newUploadCommand(c))
	root.AddCommand(newStatusCommand(c))
	root.AddCommand(newAskCommand(c))
	root.AddCommand(newChatCommand(c))
	return root
}

func newUploadCommand(c func() *client.Client) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload PDF files for indexing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cl := c()
			var failed int
			for _, path := range args {
				out, err := cl.Upload(ctx, path)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Printf("%s: queued as job %s\n", out.Filename, out.JobID)
				if wait {
					if err := waitJob(ctx, cl, out.JobID); err != nil {
						fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
						failed++
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until each document is indexed")
	return cmd
}

func waitJob(ctx context.Context, cl *client.Client, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		info, err := cl.Job(ctx, id)
		if err != nil {
			return err
		}
		switch info.Status {
		case types.JobSucceeded:
			fmt.Printf("%s: indexed %d chunks\n", info.Filename, info.Chunks)
			return nil
		case types.JobFailed:
			return fmt.Errorf("indexing failed after %d attempts: %s", info.Attempts, info.Error)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newStatusCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the indexing state of an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			info, err := c().Job(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  attempts=%d chunks=%d\n", info.Filename, info.Status, info.Attempts, info.Chunks)
			if info.Error != "" {
				fmt.Printf("error: %s\n", info.Error)
			}
			return nil
		},
	}
}

func newAskCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Ask one question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conv := client.NewConversation()
			query := strings.Join(args, " ")
			seq := conv.Begin(query)
			err := c().Ask(ctx, query, func(ev types.StreamEvent) error {
				conv.Apply(seq, ev)
				if ev.Type == types.EventContent {
					fmt.Print(ev.Content)
				}
				return nil
			})
			fmt.Println()
			if errors.Is(err, context.Canceled) {
				conv.Cancel()
				return errors.New("stopped")
			}
			if err != nil {
				return err
			}

			turns := conv.Turns()
			last := turns[len(turns)-1]
			if last.Sources == nil {
				return errors.New(last.Text)
			}
			if len(last.Sources) > 0 {
				fmt.Printf("\nSources: %s\n", strings.Join(last.Sources, ", "))
			}
			return nil
		},
	}
}

func newChatCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := tea.NewProgram(tui.New(c()), tea.WithAltScreen()).Run()
			return err
		},
	}
}
