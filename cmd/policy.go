package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect policies and manage allowlists",
}

var policyShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a policy record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		rec, err := s.engine.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func allowlistCmd(use, short string, add bool) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " ID ADDRESS",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWallet(walletKeyFile)
			if err != nil {
				return err
			}
			s, err := openStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if add {
				err = s.engine.AddAllowed(cmd.Context(), args[0], w.Address(), args[1])
			} else {
				err = s.engine.RemoveAllowed(cmd.Context(), args[0], w.Address(), args[1])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s on %s\n", use, args[1], args[0])
			return nil
		},
	}
	c.Flags().StringVar(&walletKeyFile, "wallet-key", "", "file holding the hex seed of the policy creator")
	return c
}

func init() {
	policyCmd.AddCommand(
		policyShowCmd,
		allowlistCmd("allow", "Add an address to an allowlist policy", true),
		allowlistCmd("revoke", "Remove an address from an allowlist policy", false),
	)
	rootCmd.AddCommand(policyCmd)
}
