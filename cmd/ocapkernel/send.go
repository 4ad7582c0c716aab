package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/facade"
)

var sendCmd = &cobra.Command{
	Use:   "send TARGET_KREF METHOD",
	Short: "Send an external message to a kref and wait for its result to settle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		argsJSON, _ := cmd.Flags().GetString("args")

		var decoded any
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &decoded); err != nil {
				return fmt.Errorf("parse --args as JSON: %w", err)
			}
		}
		capArgs, err := capdata.Marshal(decoded)
		if err != nil {
			return fmt.Errorf("encode message arguments: %w", err)
		}

		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.QueueMessage(context.Background(), facade.QueueMessageParams{
			TargetKref: args[0],
			Method:     args[1],
			Args:       capArgs,
		})
		if err != nil {
			return err
		}
		if result.IsRejection {
			fmt.Printf("✗ rejected: %v\n", result.Resolution)
			return nil
		}
		fmt.Printf("✓ resolved: %v\n", result.Resolution)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("args", "[]", "Message arguments as a JSON array")
}
