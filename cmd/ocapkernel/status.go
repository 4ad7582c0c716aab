package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kernel population and queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		status, err := c.GetStatus(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Vats:              %d\n", status.VatCount)
		fmt.Printf("Subclusters:       %d\n", status.SubclusterCount)
		fmt.Printf("Runqueue depth:    %d\n", status.RunqueueDepth)
		fmt.Printf("Acceptance depth:  %d\n", status.AcceptanceQueueDepth)
		fmt.Printf("Incarnation:       %d\n", status.Incarnation)
		if status.PeerID != "" {
			fmt.Printf("Peer ID:           %s\n", status.PeerID)
		}
		if status.HA != nil {
			fmt.Println("HA:")
			for k, v := range status.HA {
				fmt.Printf("  %s: %v\n", k, v)
			}
		}
		return nil
	},
}
