package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the kernel's kv store directly",
}

var dbQueryCmd = &cobra.Command{
	Use:   "query SQL",
	Short: "Run a read-only SELECT against the kernel's kv store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		raw, err := c.ExecuteDBQuery(context.Background(), args[0])
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

func init() {
	dbCmd.AddCommand(dbQueryCmd)
}
