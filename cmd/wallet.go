package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/satya-market/access-go/pkg/wallet"
	"github.com/spf13/cobra"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage the local wallet key",
}

var walletNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a wallet seed",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return err
		}
		w, err := wallet.FromSeed(seed)
		if err != nil {
			return err
		}
		if outPath == "" {
			return fmt.Errorf("--out is required")
		}
		if err := os.WriteFile(outPath, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Println(w.Address())
		return nil
	},
}

var walletAddressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of the wallet key",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := loadWallet(walletKeyFile)
		if err != nil {
			return err
		}
		fmt.Println(w.Address())
		return nil
	},
}

func init() {
	walletNewCmd.Flags().StringVarP(&outPath, "out", "o", "", "file to write the hex seed to")
	walletAddressCmd.Flags().StringVar(&walletKeyFile, "wallet-key", "", "file holding the hex wallet seed")
	walletCmd.AddCommand(walletNewCmd, walletAddressCmd)
	rootCmd.AddCommand(walletCmd)
}
