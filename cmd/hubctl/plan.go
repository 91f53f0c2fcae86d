package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func planPath(planID string, rest ...string) string {
	p := "/api/v1/plans/" + url.PathEscape(planID)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans, phases and steps",
	}
	cmd.AddCommand(newPlanCreateCommand())
	cmd.AddCommand(newPlanShowCommand())
	cmd.AddCommand(newPlanPhaseCommand())
	cmd.AddCommand(newPlanStepCommand())
	cmd.AddCommand(newPlanNextCommand())
	return cmd
}

func newPlanCreateCommand() *cobra.Command {
	var (
		id          string
		workspaceID string
		title       string
	)
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a plan",
		Example: `  hubctl plan create --workspace=ws-1 --title="Add retries"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspaceID == "" {
				return fmt.Errorf("--workspace is required")
			}
			return postAndPrint(cmd, "/api/v1/plans", map[string]string{
				"id":           id,
				"workspace_id": workspaceID,
				"title":        title,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Plan ID (generated when empty)")
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace ID")
	cmd.Flags().StringVar(&title, "title", "", "Plan title")
	return cmd
}

func newPlanShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan and its steps in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, planPath(args[0]), nil)
		},
	}
}

func newPlanPhaseCommand() *cobra.Command {
	var (
		id    string
		order int
	)
	cmd := &cobra.Command{
		Use:     "phase <plan-id> <name>",
		Short:   "Add a phase to a plan",
		Example: `  hubctl plan phase p1 build --order=1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd, planPath(args[0], "phases"), map[string]interface{}{
				"id":          id,
				"name":        args[1],
				"phase_order": order,
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Phase ID (generated when empty)")
	cmd.Flags().IntVar(&order, "order", 0, "Phase order within the plan")
	return cmd
}

func newPlanStepCommand() *cobra.Command {
	var (
		id      string
		phaseID string
		order   int
	)
	cmd := &cobra.Command{
		Use:     "step <plan-id> <title>",
		Short:   "Add a step to a phase",
		Example: `  hubctl plan step p1 "write tests" --phase=build --order=1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if phaseID == "" {
				return fmt.Errorf("--phase is required")
			}
			return postAndPrint(cmd, planPath(args[0], "steps"), map[string]interface{}{
				"id":         id,
				"phase_id":   phaseID,
				"step_order": order,
				"title":      args[1],
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Step ID (generated when empty)")
	cmd.Flags().StringVar(&phaseID, "phase", "", "Phase ID")
	cmd.Flags().IntVar(&order, "order", 0, "Step order within the phase")
	return cmd
}

func newPlanNextCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "next <plan-id>",
		Short: "Show the next eligible step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd, planPath(args[0], "next"), nil)
		},
	}
}
