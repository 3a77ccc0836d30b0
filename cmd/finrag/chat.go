package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aixgo-dev/finrag/internal/app"
	"github.com/aixgo-dev/finrag/pkg/logging"
	"github.com/aixgo-dev/finrag/pkg/security"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const historyFile = ".finrag_history"

func newChatCmd(opts *rootOptions) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			// Only warnings reach the terminal unless --log-level is given.
			if opts.logLevel == "" {
				cfg.Logging.Level = "warn"
			}
			cfg.Logging.Pretty = true

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, app.WithoutPurger())
			if err != nil {
				return err
			}
			defer a.Close()

			if threadID == "" {
				threadID = uuid.NewString()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "finrag %s, thread %s. Type 'exit' to quit.\n", Version, threadID)

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)
			histPath := historyPath()
			if f, err := os.Open(histPath); err == nil {
				_, _ = line.ReadHistory(f)
				_ = f.Close()
			}
			defer func() {
				if f, err := os.Create(histPath); err == nil {
					_, _ = line.WriteHistory(f)
					_ = f.Close()
				}
			}()

			log := logging.Thread(a.Logger, threadID)
			for {
				input, err := line.Prompt("> ")
				if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				// Pasted text can carry terminal control bytes.
				input = strings.TrimSpace(security.SanitizeString(input))
				if input == "" {
					continue
				}
				if strings.EqualFold(input, "exit") {
					return nil
				}
				line.AppendHistory(input)

				state, err := a.Orchestrator.Process(ctx, threadID, input)
				if state == nil {
					fmt.Fprintln(out, "error:", err)
					continue
				}
				if err != nil {
					log.Warn().Err(err).Msg("turn completed with errors")
				}
				if len(state.Turns) == 2 && state.Title != "" {
					fmt.Fprintf(out, "[%s]\n", state.Title)
				}
				fmt.Fprintln(out, state.LastAnswer())
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "resume an existing thread (default: a new one)")
	return cmd
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFile
	}
	return filepath.Join(home, historyFile)
}
