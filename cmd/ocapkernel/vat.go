package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/facade"
	"github.com/cuemby/ocapkernel/pkg/vatbundle"
)

var vatCmd = &cobra.Command{
	Use:   "vat",
	Short: "Manage individual vats",
}

var vatLaunchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a new vat",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		bundlePath, _ := cmd.Flags().GetString("bundle-file")
		subcluster, _ := cmd.Flags().GetString("subcluster")

		bundle, err := loadBundle(code, bundlePath)
		if err != nil {
			return err
		}

		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.LaunchVat(context.Background(), facade.LaunchVatParams{
			Bundle:     bundle,
			Subcluster: subcluster,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Vat launched\n")
		fmt.Printf("  Vat ID:      %s\n", result.VatID)
		fmt.Printf("  Root object: %s\n", result.RootObject)
		return nil
	},
}

var vatRestartCmd = &cobra.Command{
	Use:   "restart VAT_ID",
	Short: "Bounce a vat's worker process in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.RestartVat(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Vat %s restarted\n", args[0])
		return nil
	},
}

var vatTerminateCmd = &cobra.Command{
	Use:   "terminate VAT_ID",
	Short: "Terminate a vat and reject every promise it was deciding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.TerminateVat(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Vat %s terminated\n", args[0])
		return nil
	},
}

var vatPingCmd = &cobra.Command{
	Use:   "ping VAT_ID",
	Short: "Check whether a vat's supervisor connection is live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		result, err := c.PingVat(context.Background(), args[0])
		if err != nil {
			return err
		}
		if result.Healthy {
			fmt.Printf("✓ %s: %s\n", args[0], result.Message)
		} else {
			fmt.Printf("✗ %s: %s\n", args[0], result.Message)
		}
		return nil
	},
}

func init() {
	vatLaunchCmd.Flags().String("code", "", "Native vat program name (e.g. echo, counter)")
	vatLaunchCmd.Flags().String("bundle-file", "", "Path to a pre-built vat bundle (overrides --code)")
	vatLaunchCmd.Flags().String("subcluster", "", "Subcluster ID to attach this vat to")

	vatCmd.AddCommand(vatLaunchCmd, vatRestartCmd, vatTerminateCmd, vatPingCmd)
}

func loadBundle(code, bundlePath string) (vatbundle.Bundle, error) {
	if bundlePath != "" {
		return vatbundle.Load(bundlePath)
	}
	if code == "" {
		return vatbundle.Bundle{}, fmt.Errorf("one of --code or --bundle-file is required")
	}
	return vatbundle.Bundle{Format: vatbundle.FormatNative, Code: code}, nil
}
