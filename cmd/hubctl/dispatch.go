package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/internal/policy"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// requestFlags are shared by evaluate and dispatch. A request file is read
// first and flags override it.
type requestFlags struct {
	file            string
	target          string
	label           string
	mode            string
	previousMode    string
	requestedMode   string
	transitionEvent string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "YAML request file")
	cmd.Flags().StringVarP(&f.target, "target", "t", "", "Target agent type")
	cmd.Flags().StringVar(&f.label, "label", "", "Hub label (legacy alias)")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "Current mode")
	cmd.Flags().StringVar(&f.previousMode, "previous-mode", "", "Previous mode")
	cmd.Flags().StringVar(&f.requestedMode, "requested-mode", "", "Requested mode (defaults to the current mode)")
	cmd.Flags().StringVar(&f.transitionEvent, "transition-event", "", "Transition event")
}

func (f *requestFlags) apply(req *policy.DispatchRequest) {
	if f.target != "" {
		req.TargetAgentType = f.target
	}
	if f.label != "" {
		req.HubLabel = f.label
	}
	if f.mode != "" {
		req.CurrentMode = f.mode
	}
	if f.previousMode != "" {
		req.PreviousMode = f.previousMode
	}
	if f.requestedMode != "" {
		req.RequestedMode = f.requestedMode
	}
	if f.transitionEvent != "" {
		req.TransitionEvent = f.transitionEvent
	}
}

func readYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func newEvaluateCommand() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a dispatch request against hub policy without registering",
		Example: `  hubctl evaluate --target=Tester --mode=tdd_cycle
  hubctl evaluate -f request.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req policy.DispatchRequest
			if flags.file != "" {
				if err := readYAML(flags.file, &req); err != nil {
					return err
				}
			}
			flags.apply(&req)
			if req.TargetAgentType == "" {
				return fmt.Errorf("--target is required")
			}
			return postAndPrint(cmd, "/api/v1/policy/evaluate", req)
		},
	}
	flags.register(cmd)
	return cmd
}

func newDispatchCommand() *cobra.Command {
	var (
		flags       requestFlags
		sessionID   string
		workspaceID string
		planID      string
		phase       string
		files       []string
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch an agent: evaluate policy, register the session, list peers",
		Example: `  hubctl dispatch --target=Executor --mode=tdd_cycle --workspace=ws-1 --files=internal/a.go
  hubctl dispatch -f dispatch.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in dispatch.DispatchInput
			if flags.file != "" {
				if err := readYAML(flags.file, &in); err != nil {
					return err
				}
			}
			flags.apply(&in.Request)
			if sessionID != "" {
				in.Session.SessionID = sessionID
			}
			if workspaceID != "" {
				in.Session.WorkspaceID = workspaceID
			}
			if planID != "" {
				in.Session.PlanID = planID
			}
			if phase != "" {
				in.Session.CurrentPhase = phase
			}
			if len(files) > 0 {
				in.Session.FilesInScope = files
			}
			if in.Request.TargetAgentType == "" {
				return fmt.Errorf("--target is required")
			}
			if in.Session.WorkspaceID == "" {
				return fmt.Errorf("--workspace is required")
			}
			return postAndPrint(cmd, "/api/v1/dispatch", in)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (generated when empty)")
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace ID")
	cmd.Flags().StringVarP(&planID, "plan", "p", "", "Plan ID")
	cmd.Flags().StringVar(&phase, "phase", "", "Current phase")
	cmd.Flags().StringSliceVar(&files, "files", nil, "Files in scope (comma separated)")
	return cmd
}

func newPeersCommand() *cobra.Command {
	var exclude string
	cmd := &cobra.Command{
		Use:     "peers <workspace-id>",
		Short:   "List active sessions in a workspace",
		Example: `  hubctl peers ws-1 --exclude=s1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if exclude != "" {
				params.Set("exclude", exclude)
			}
			return getAndPrint(cmd, "/api/v1/workspaces/"+url.PathEscape(args[0])+"/peers", params)
		},
	}
	cmd.Flags().StringVar(&exclude, "exclude", "", "Session ID to exclude")
	return cmd
}
