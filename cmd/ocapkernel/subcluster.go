package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/facade"
)

var subclusterCmd = &cobra.Command{
	Use:   "subcluster",
	Short: "Manage subclusters",
}

var subclusterLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a subcluster's bootstrap vat",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		bundlePath, _ := cmd.Flags().GetString("bundle-file")

		bundle, err := loadBundle(code, bundlePath)
		if err != nil {
			return err
		}

		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.LaunchSubcluster(context.Background(), facade.LaunchSubclusterParams{Bundle: bundle})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Subcluster launched\n")
		fmt.Printf("  Subcluster ID:       %s\n", result.SubclusterID)
		fmt.Printf("  Bootstrap root kref: %s\n", result.BootstrapRootKref)
		return nil
	},
}

var subclusterTerminateCmd = &cobra.Command{
	Use:   "terminate SUBCLUSTER_ID",
	Short: "Terminate every vat in a subcluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.TerminateSubcluster(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Subcluster %s terminated\n", args[0])
		return nil
	},
}

var subclusterReloadCmd = &cobra.Command{
	Use:   "reload SUBCLUSTER_ID",
	Short: "Restart every vat in a subcluster in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.ReloadSubcluster(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Subcluster %s reloaded\n", args[0])
		return nil
	},
}

func init() {
	subclusterLaunchCmd.Flags().String("code", "", "Native vat program name for the bootstrap vat (e.g. echo, counter)")
	subclusterLaunchCmd.Flags().String("bundle-file", "", "Path to a pre-built vat bundle (overrides --code)")

	subclusterCmd.AddCommand(subclusterLaunchCmd, subclusterTerminateCmd, subclusterReloadCmd)
}
