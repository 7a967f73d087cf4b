package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/maintgate/internal/client"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the maintenance state as the gate sees it",
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := mgClient.Status(context.Background())
		if err != nil {
			return fmt.Errorf("getting status: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show",
	Short:   "Show the stored maintenance state",
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := mgClient.GetState(context.Background())
		if err != nil {
			return fmt.Errorf("getting state: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printState(cmd.OutOrStdout(), st)
		return nil
	},
}

var enableCmd = &cobra.Command{
	Use:     "enable",
	Short:   "Turn maintenance mode on",
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd, true)
	},
}

var disableCmd = &cobra.Command{
	Use:     "disable",
	Short:   "Turn maintenance mode off",
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd, false)
	},
}

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the maintenance state",
	Long: `Replace the maintenance state. The write is a full replacement: a message or
data left unset is cleared. Pass --if-match with the revision you last read to
fail instead of overwriting a concurrent change.`,
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("enabled") {
			return fmt.Errorf("--enabled is required")
		}
		enabled, _ := cmd.Flags().GetBool("enabled")
		return runUpdate(cmd, enabled)
	},
}

// runUpdate sends the update built from the command's flags.
func runUpdate(cmd *cobra.Command, enabled bool) error {
	req, err := buildUpdate(cmd, enabled)
	if err != nil {
		return err
	}
	var ifMatch *int64
	if cmd.Flags().Changed("if-match") {
		rev, _ := cmd.Flags().GetInt64("if-match")
		ifMatch = &rev
	}

	st, err := mgClient.Update(context.Background(), req, ifMatch)
	if err != nil {
		if client.IsConflict(err) {
			return fmt.Errorf("state changed concurrently; re-read it with 'mg show' and retry: %w", err)
		}
		return fmt.Errorf("updating state: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printState(cmd.OutOrStdout(), st)
	return nil
}

func buildUpdate(cmd *cobra.Command, enabled bool) (*client.UpdateRequest, error) {
	message, _ := cmd.Flags().GetString("message")
	data, err := readData(cmd)
	if err != nil {
		return nil, err
	}
	return &client.UpdateRequest{
		Enabled:   &enabled,
		Message:   message,
		Data:      data,
		UpdatedBy: actor,
	}, nil
}

// readData returns the --data flag, or the contents of --data-file ("-" for
// stdin). It must be a JSON object.
func readData(cmd *cobra.Command) (json.RawMessage, error) {
	raw, _ := cmd.Flags().GetString("data")
	file, _ := cmd.Flags().GetString("data-file")
	if raw != "" && file != "" {
		return nil, fmt.Errorf("--data and --data-file are mutually exclusive")
	}
	if file != "" {
		var b []byte
		var err error
		if file == "-" {
			b, err = io.ReadAll(cmd.InOrStdin())
		} else {
			b, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, fmt.Errorf("reading data file: %w", err)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return json.RawMessage(raw), nil
}

func addUpdateFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("message", "m", "", "message shown to blocked clients")
	cmd.Flags().String("data", "", "JSON object passed through to clients")
	cmd.Flags().String("data-file", "", "read the data object from a file (- for stdin)")
	cmd.Flags().Int64("if-match", 0, "only apply if the stored revision is still this one")
}

var historyCmd = &cobra.Command{
	Use:     "history",
	Short:   "List past maintenance states, newest first",
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		revs, err := mgClient.History(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("listing history: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), revs)
		}
		return printHistoryTable(cmd.OutOrStdout(), revs)
	},
}

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of a maintgate server",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := mgClient.Health(context.Background())
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), map[string]string{"status": status}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", status)
		}
		if status != "ok" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}

func init() {
	addUpdateFlags(enableCmd)
	addUpdateFlags(disableCmd)
	addUpdateFlags(setCmd)
	setCmd.Flags().Bool("enabled", false, "whether the gate blocks traffic")

	historyCmd.Flags().IntP("limit", "n", 20, "maximum number of revisions")
}
