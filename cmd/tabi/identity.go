package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tabi/internal/identity"
)

func newIdentityCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the persisted client id, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := identity.NewStore(a.cfg.Identity.Path)
			id, err := store.ClientID()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, store.Path())
			return nil
		},
	}
}
