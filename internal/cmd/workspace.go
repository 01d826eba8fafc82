package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/foreman/pkg/workspace"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect and clean job workspaces",
}

var workspaceValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Check whether a workspace is safe to remove",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceValidate,
}

var workspaceCleanCmd = &cobra.Command{
	Use:   "clean <path>",
	Short: "Remove a workspace after validating it is safe",
	Long: `Remove a job workspace.

Removal is refused when the workspace has uncommitted changes or merge
conflicts; pass --force to override. Force removal discards work.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkspaceClean,
}

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceValidateCmd)
	workspaceCmd.AddCommand(workspaceCleanCmd)

	workspaceCleanCmd.Flags().Bool("force", false, "Remove even when validation reports unsafe")
}

func buildWorkspaceManager(cmd *cobra.Command) (*workspace.Git, error) {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if cfg.Workspace.SourceRepo == "" {
		// Validation and removal never clone; a placeholder satisfies the
		// constructor requirement for allocation-capable managers.
		cfg.Workspace.SourceRepo = "."
	}
	ws, err := workspace.NewGit(workspace.GitConfig{
		Root:         cfg.Workspace.Root,
		SourceRepo:   cfg.Workspace.SourceRepo,
		BaseBranch:   cfg.Workspace.BaseBranch,
		BranchPrefix: cfg.Workspace.BranchPrefix,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid workspace configuration", err)
	}
	return ws, nil
}

func runWorkspaceValidate(cmd *cobra.Command, args []string) error {
	ws, err := buildWorkspaceManager(cmd)
	if err != nil {
		return err
	}

	validation, err := ws.Validate(cmd.Context(), args[0])
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Workspace validation failed", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "safe_to_remove=%t\n", validation.SafeToRemove)
	_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", validation.Reason)
	for _, line := range validation.StatusLines {
		_, _ = fmt.Fprintf(os.Stdout, "  %s\n", line)
	}
	if !validation.SafeToRemove {
		return exitError(foundry.ExitInvalidArgument, "Workspace is not safe to remove",
			fmt.Errorf("%s", validation.Reason))
	}
	return nil
}

func runWorkspaceClean(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	ws, err := buildWorkspaceManager(cmd)
	if err != nil {
		return err
	}

	if force {
		if err := ws.ForceRemove(cmd.Context(), args[0]); err != nil {
			return exitError(foundry.ExitFileWriteError, "Forced removal failed", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "removed %s (forced)\n", args[0])
		return nil
	}

	if err := ws.Remove(cmd.Context(), args[0]); err != nil {
		return exitError(foundry.ExitFileWriteError, "Removal refused", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "removed %s\n", args[0])
	return nil
}
