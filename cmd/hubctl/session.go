package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and end agent sessions",
	}
	cmd.AddCommand(newSessionShowCommand())
	cmd.AddCommand(newSessionEndCommand())
	cmd.AddCommand(newSessionResyncCommand())
	return cmd
}

func newSessionShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, "/api/v1/sessions/"+url.PathEscape(args[0]), nil)
		},
	}
}

func newSessionEndCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:     "end <session-id>",
		Short:   "End a session (completed or handed_off)",
		Example: `  hubctl session end s1 --status=handed_off`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, "/api/v1/sessions/"+url.PathEscape(args[0])+"/end",
				map[string]string{"status": status})
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "Final status: completed or handed_off")
	return cmd
}

func newSessionResyncCommand() *cobra.Command {
	var (
		phase  string
		claims []string
		files  []string
	)
	cmd := &cobra.Command{
		Use:   "resync <session-id>",
		Short: "Refresh a session's phase, claimed steps or files in scope",
		Long: `Only flags that are given are sent. Pass --claims= or --files= with an
empty value to clear a list.`,
		Example: `  hubctl session resync s1 --phase=review --claims=3,4`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{}
			if cmd.Flags().Changed("phase") {
				body["current_phase"] = phase
			}
			if cmd.Flags().Changed("claims") {
				steps, err := parseClaims(claims)
				if err != nil {
					return err
				}
				body["claimed_steps"] = steps
			}
			if cmd.Flags().Changed("files") {
				if files == nil {
					files = []string{}
				}
				body["files_in_scope"] = files
			}
			return postAndPrint(cmd, "/api/v1/sessions/"+url.PathEscape(args[0])+"/resync", body)
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "Current phase")
	cmd.Flags().StringSliceVar(&claims, "claims", nil, "Claimed step indexes (comma separated)")
	cmd.Flags().StringSliceVar(&files, "files", nil, "Files in scope (comma separated)")
	return cmd
}

// parseClaims converts step indexes given on the command line. Empty
// entries are skipped, so --claims= clears.
func parseClaims(values []string) ([]int, error) {
	steps := []int{}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid step index %q: %w", v, err)
		}
		steps = append(steps, n)
	}
	return steps, nil
}
