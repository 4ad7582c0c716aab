package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect KREF",
	Short: "Print the kernel record a kref names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		raw, err := c.Inspect(context.Background(), args[0])
		if err != nil {
			return err
		}
		pretty, err := json.MarshalIndent(json.RawMessage(raw), "", "  ")
		if err != nil {
			fmt.Println(string(raw))
			return nil
		}
		fmt.Println(string(pretty))
		return nil
	},
}

var clearStateCmd = &cobra.Command{
	Use:   "clear-state",
	Short: "Wipe the entire kernel store (operator/test use only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.ClearState(context.Background()); err != nil {
			return err
		}
		fmt.Println("✓ Kernel state cleared")
		return nil
	},
}
