package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/satya-market/access-go/pkg/access"
	"github.com/satya-market/access-go/pkg/policy"
	"github.com/spf13/cobra"
)

var (
	walletKeyFile string
	outPath       string

	policyType  string
	allowed     []string
	unlockTime  string
	assetID     string
	sellerAddr  string
	price       uint64
	purchaseRef string
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt FILE...",
	Short: "Encrypt files under a new access policy",
	Long: `Encrypt creates one policy and encrypts every FILE under one data key.
A single file is written as an envelope object, several as an array.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		w, err := loadWallet(walletKeyFile)
		if err != nil {
			return err
		}
		params, err := policyParams(w.Address())
		if err != nil {
			return err
		}
		files := make([]access.File, 0, len(args))
		for _, name := range args {
			data, err := os.ReadFile(name)
			if err != nil {
				return err
			}
			files = append(files, access.File{Name: filepath.Base(name), Data: data})
		}

		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		client, err := newAccessClient(ctx, cfg, s)
		if err != nil {
			return err
		}
		s.registry.CheckAllHealth(ctx)

		var out any
		if len(files) == 1 {
			out, err = client.Encrypt(ctx, w.Address(), files[0].Data, policy.Type(policyType), params)
		} else {
			out, err = client.BatchEncrypt(ctx, w.Address(), files, policy.Type(policyType), params)
		}
		if err != nil {
			return err
		}
		dest := outPath
		if dest == "" {
			dest = args[0] + ".sealed.json"
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(dest, b, 0o600); err != nil {
			return err
		}
		fmt.Println("Encrypted to", dest)
		return nil
	},
}

func policyParams(creator string) (policy.Params, error) {
	p := policy.Params{
		Price:            price,
		AssetID:          assetID,
		SellerAddress:    sellerAddr,
		AllowedAddresses: allowed,
	}
	if policy.Type(policyType) == policy.PaymentGated && p.SellerAddress == "" {
		p.SellerAddress = creator
	}
	if unlockTime != "" {
		t, err := time.Parse(time.RFC3339, unlockTime)
		if err != nil {
			return p, fmt.Errorf("unlock time must be RFC3339: %w", err)
		}
		p.UnlockTime = t
	}
	return p, nil
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt ENVELOPE",
	Short: "Decrypt an envelope written by encrypt",
	Long: `Decrypt checks the envelope's policy for the wallet's address and
recovers the data key from the key servers. Batch envelopes are written to
the output directory under their original names.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		w, err := loadWallet(walletKeyFile)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var envs []*access.Envelope
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
			err = json.Unmarshal(raw, &envs)
		} else {
			env := &access.Envelope{}
			err = json.Unmarshal(raw, env)
			envs = append(envs, env)
		}
		if err != nil {
			return fmt.Errorf("could not read envelope: %w", err)
		}

		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		client, err := newAccessClient(ctx, cfg, s)
		if err != nil {
			return err
		}
		s.registry.CheckAllHealth(ctx)

		for i, env := range envs {
			plaintext, err := client.Decrypt(ctx, env, purchaseRef, w.Address(), w)
			if err != nil {
				return err
			}
			dest := decryptDest(args[0], env, i, len(envs))
			if err := os.WriteFile(dest, plaintext, 0o600); err != nil {
				return err
			}
			fmt.Println("Decrypted to", dest)
		}
		return nil
	},
}

func decryptDest(src string, env *access.Envelope, i, n int) string {
	if n == 1 && outPath != "" {
		return outPath
	}
	dir := outPath
	if dir == "" {
		dir = filepath.Dir(src)
	}
	name := env.Name
	if name == "" {
		name = fmt.Sprintf("%s.%d.out", filepath.Base(src), i)
	}
	return filepath.Join(dir, name)
}

func init() {
	for _, c := range []*cobra.Command{encryptCmd, decryptCmd} {
		c.Flags().StringVar(&walletKeyFile, "wallet-key", "", "file holding the hex wallet seed")
		c.Flags().StringVarP(&outPath, "out", "o", "", "output file, or directory for batches")
	}
	encryptCmd.Flags().StringVar(&policyType, "policy-type", string(policy.Allowlist), "payment-gated, time-locked, allowlist or tee-only")
	encryptCmd.Flags().StringSliceVar(&allowed, "allow", nil, "addresses allowed to decrypt (allowlist)")
	encryptCmd.Flags().StringVar(&unlockTime, "unlock-time", "", "RFC3339 time from which decryption is allowed (time-locked)")
	encryptCmd.Flags().StringVar(&assetID, "asset-id", "", "marketplace asset id (payment-gated)")
	encryptCmd.Flags().StringVar(&sellerAddr, "seller", "", "seller address, defaults to the wallet (payment-gated)")
	encryptCmd.Flags().Uint64Var(&price, "price", 0, "asset price (payment-gated)")
	decryptCmd.Flags().StringVar(&purchaseRef, "purchase", "", "purchase record id on the ledger (payment-gated)")

	rootCmd.AddCommand(encryptCmd, decryptCmd)
}
