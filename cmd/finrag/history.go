package main

import (
	"fmt"

	"github.com/aixgo-dev/finrag/internal/app"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <thread>",
		Short: "Print a thread's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), app.WithoutPurger(), app.WithoutTracing())
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.Orchestrator.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(turns) == 0 {
				fmt.Fprintln(out, "no messages")
				return nil
			}
			for _, t := range turns {
				fmt.Fprintf(out, "%s: %s\n", t.Role, t.Content)
			}
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <thread>",
		Short: "Delete every checkpoint of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), app.WithoutPurger(), app.WithoutTracing())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Orchestrator.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
