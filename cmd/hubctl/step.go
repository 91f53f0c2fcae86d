package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func stepPath(stepID, sub string) string {
	return "/api/v1/steps/" + url.PathEscape(stepID) + "/" + sub
}

func newStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Change step status, complete steps and manage dependencies",
	}
	cmd.AddCommand(newStepShowCommand())
	cmd.AddCommand(newStepStatusCommand())
	cmd.AddCommand(newStepCompleteCommand())
	cmd.AddCommand(newStepDependsCommand())
	cmd.AddCommand(newStepDepsCommand())
	cmd.AddCommand(newStepDependentsCommand())
	return cmd
}

func newStepShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <step-id>",
		Short: "Show a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, "/api/v1/steps/"+url.PathEscape(args[0]), nil)
		},
	}
}

func newStepStatusCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "status <step-id> <pending|active|blocked>",
		Short: "Move a step to a new status",
		Long: `Moves a step along its status machine. Use "step complete" to mark a
step done so its dependents are unblocked.`,
		Example: `  hubctl step status s-1 active --session=sess-1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, stepPath(args[0], "status"), map[string]string{
				"status":     args[1],
				"session_id": sessionID,
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session to resync with the change")
	return cmd
}

func newStepCompleteCommand() *cobra.Command {
	var (
		planID    string
		sessionID string
		agentType string
	)
	cmd := &cobra.Command{
		Use:     "complete <step-id>",
		Short:   "Complete a step and report the next eligible one",
		Example: `  hubctl step complete s-1 --plan=p1 --session=sess-1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID == "" {
				return fmt.Errorf("--plan is required")
			}
			if sessionID == "" && agentType == "" {
				return fmt.Errorf("--session or --agent is required")
			}
			return postAndPrint(cmd, planPath(planID, "steps", args[0], "complete"), map[string]string{
				"session_id": sessionID,
				"agent_type": agentType,
			})
		},
	}
	cmd.Flags().StringVarP(&planID, "plan", "p", "", "Plan ID")
	cmd.Flags().StringVar(&sessionID, "session", "", "Completing session")
	cmd.Flags().StringVar(&agentType, "agent", "", "Completing agent type (defaults to the session's)")
	return cmd
}

func newStepDependsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "depends <step-id> <blocked-by-step-id>",
		Short:   "Record that a step is blocked by another",
		Example: `  hubctl step depends s-2 s-1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, stepPath(args[0], "dependencies"), map[string]string{
				"blocked_by": args[1],
			})
		},
	}
}

func newStepDepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <step-id>",
		Short: "List the edges blocking a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, stepPath(args[0], "dependencies"), nil)
		},
	}
}

func newStepDependentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dependents <step-id>",
		Short: "List the edges a step blocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, stepPath(args[0], "dependents"), nil)
		},
	}
}
