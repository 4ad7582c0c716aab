package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/facade"
)

// dialClient opens a Facade connection using the root command's
// persistent --facade-network/--facade-addr flags, the one connection
// every non-daemon subcommand in this binary needs.
func dialClient(cmd *cobra.Command) (*facade.Client, error) {
	network, _ := cmd.Flags().GetString("facade-network")
	addr, _ := cmd.Flags().GetString("facade-addr")
	c, err := facade.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to kernel at %s %s: %w", network, addr, err)
	}
	return c, nil
}
