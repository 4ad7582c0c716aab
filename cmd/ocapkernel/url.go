package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

var urlCmd = &cobra.Command{
	Use:   "url",
	Short: "Issue and redeem ocap URLs for remote comms",
}

var urlIssueCmd = &cobra.Command{
	Use:   "issue KREF",
	Short: "Mint an ocap URL bound to a kref",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		url, err := c.IssueURL(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	},
}

var urlRedeemCmd = &cobra.Command{
	Use:   "redeem URL",
	Short: "Redeem an ocap URL issued by a peer kernel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pubKeyB64, _ := cmd.Flags().GetString("peer-pubkey")
		peerAddrs, _ := cmd.Flags().GetStringSlice("peer-addr")

		var pubKey []byte
		if pubKeyB64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(pubKeyB64)
			if err != nil {
				return fmt.Errorf("decode --peer-pubkey: %w", err)
			}
			pubKey = decoded
		}

		c, err := dialClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		kref, err := c.RedeemURL(context.Background(), args[0], pubKey, peerAddrs)
		if err != nil {
			return err
		}
		fmt.Println(kref)
		return nil
	},
}

func init() {
	urlRedeemCmd.Flags().String("peer-pubkey", "", "Peer's public key, base64-encoded")
	urlRedeemCmd.Flags().StringSlice("peer-addr", nil, "Peer multiaddrs to dial")

	urlCmd.AddCommand(urlIssueCmd, urlRedeemCmd)
}
