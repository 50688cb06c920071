package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/tsumugi"
	"github.com/ashita-ai/tsumugi/internal/service/workflow"
)

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "tsumugi",
		Short:         "Multi-agent orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(logger))
	root.AddCommand(newWorkflowCmd(logger))
	root.AddCommand(newSweepCmd(logger))
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, completion listeners and maintenance loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := tsumugi.New(tsumugi.WithLogger(logger), tsumugi.WithVersion(version))
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

func newWorkflowCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}
	cmd.AddCommand(newWorkflowImportCmd(logger))
	cmd.AddCommand(newWorkflowValidateCmd())
	return cmd
}

func newWorkflowImportCmd(logger *slog.Logger) *cobra.Command {
	var (
		workspace string
		activate  bool
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Store a YAML or JSON workflow definition as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := parseWorkspace(workspace)
			if err != nil {
				return err
			}
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}

			app, err := tsumugi.New(tsumugi.WithLogger(logger), tsumugi.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			wf, err := app.Workflows().Define(cmd.Context(), ws, def, activate)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored workflow %s v%d (%s, %s)\n", wf.Name, wf.Version, wf.ID, wf.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace ID")
	cmd.Flags().BoolVar(&activate, "activate", false, "Store the version as active")
	return cmd
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a workflow definition without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps, trigger %s\n", def.Name, len(def.Steps), def.Trigger.Type)
			return nil
		},
	}
}

func newSweepCmd(logger *slog.Logger) *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one memory cleanup, promotion and approval expiry pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ws *uuid.UUID
			if workspace != "" {
				id, err := parseWorkspace(workspace)
				if err != nil {
					return err
				}
				ws = &id
			}

			app, err := tsumugi.New(tsumugi.WithLogger(logger), tsumugi.WithVersion(version))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			report, err := app.Sweep(cmd.Context(), ws)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(report); encErr != nil {
				return errors.Join(err, encErr)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "Limit approval expiry to one workspace")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func parseWorkspace(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, errors.New("--workspace is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("--workspace: %w", err)
	}
	return id, nil
}

func readDefinition(path string) (workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("read definition: %w", err)
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return workflow.Definition{}, err
	}
	if err := workflow.Validate(def); err != nil {
		return workflow.Definition{}, err
	}
	return def, nil
}
