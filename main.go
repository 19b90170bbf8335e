package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"nodebooks/config"
	"nodebooks/engine/maintenance"
	"nodebooks/engine/runtime"
)

const version = "0.1.0"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nodebooks: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "nodebooks",
		Short:         "NodeBooks notebook kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), gcCommand(), versionCommand())
	return root
}

func runCommand() *cobra.Command {
	var (
		notebookID string
		language   string
		timeoutMs  int
	)
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute one code cell and print its outputs as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			source, err := readSource(args)
			if err != nil {
				return err
			}

			kernel := runtime.NewKernel(runtime.Options{WorkspaceRoot: cfg.WorkspaceRoot})
			defer kernel.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			result := kernel.Execute(context.Background(), runtime.ExecuteRequest{
				Cell: runtime.CodeCell{
					ID:       "cli",
					Language: language,
				},
				Code:       source,
				NotebookID: notebookID,
				TimeoutMs:  pickTimeout(timeoutMs, cfg.DefaultTimeoutMs),
				OnStream:   func(out runtime.Output) { enc.Encode(out) },
				OnDisplay:  func(out runtime.Output) { enc.Encode(out) },
			})

			// Streamed outputs were printed live; the tail is whatever was
			// not streamed plus the execution record.
			for _, out := range result.Outputs {
				if isStreamed(out) {
					continue
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if err := enc.Encode(result.Execution); err != nil {
				return err
			}
			if result.Execution.Status != "ok" {
				return fmt.Errorf("cell finished with status %q", result.Execution.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&notebookID, "notebook", "cli", "notebook id (selects the workspace)")
	cmd.Flags().StringVar(&language, "language", "js", "cell language: js or ts")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "execution timeout in milliseconds")
	return cmd
}

// pickTimeout prefers the explicit flag over the configured default.
func pickTimeout(flag, configured int) int {
	if flag > 0 {
		return flag
	}
	return configured
}

// isStreamed reports whether an output was already emitted live.
func isStreamed(out runtime.Output) bool {
	if out.Type == runtime.OutputStream {
		return true
	}
	streamed, ok := out.Metadata["streamed"].(bool)
	return ok && streamed
}

func gcCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove stale notebook workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			result, err := maintenance.CleanupWorkspaces(maintenance.CleanupOptions{
				WorkspaceRoot: cfg.WorkspaceRoot,
				MaxAge:        cfg.GCMaxAge(),
				DryRun:        dryRun,
			})
			if err != nil {
				return err
			}
			for _, msg := range result.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "nodebooks: gc: %s\n", msg)
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d workspace(s)\n", verb, result.DeletedWorkspaces)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kernel version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func readSource(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read cell source: %w", err)
	}
	return string(data), nil
}
