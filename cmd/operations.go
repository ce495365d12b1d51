package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/konveyor/solution-client/internal/agent"
)

// printJSON writes v to stdout for scripting
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hint <ruleset> <violation>",
		Short: "Print the best known hint for a violation",
		Long: `Prints {"hint_id": ..., "hint": ...} for the violation. When the server knows
no hint, hint_id is -1 and hint is empty.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, _, cleanup, err := session(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			hint, err := client.GetBestHint(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(hint)
		},
	}
}

func newSuccessRateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "success-rate <ruleset>/<violation>...",
		Short: "Print solution outcome counts for one or more violations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]agent.ViolationID, 0, len(args))
			for _, arg := range args {
				ruleset, violation, ok := strings.Cut(arg, "/")
				if !ok || ruleset == "" || violation == "" {
					return fmt.Errorf("invalid violation id %q, expected <ruleset>/<violation>", arg)
				}
				ids = append(ids, agent.ViolationID{RulesetName: ruleset, ViolationName: violation})
			}

			ctx, client, _, cleanup, err := session(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			rate, err := client.GetSuccessRate(ctx, ids)
			if err != nil {
				return err
			}
			return printJSON(rate)
		},
	}
}

func newCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <tool> [json-args]",
		Short: "Call any solution server tool and print its text result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]interface{}
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &toolArgs); err != nil {
					return fmt.Errorf("invalid JSON arguments: %w", err)
				}
			}

			ctx, client, _, cleanup, err := session(cmd, true)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := client.CallTool(ctx, args[0], toolArgs)
			if err != nil {
				return err
			}
			for _, content := range result.Content {
				if tc, ok := mcp.AsTextContent(content); ok {
					fmt.Println(tc.Text)
				}
			}
			return nil
		},
	}
}
