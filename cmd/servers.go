package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Inspect the configured key servers",
}

var serversHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every active key server once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		s.registry.CheckAllHealth(ctx)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVER\tSTATUS\tLATENCY\tERROR")
		for _, h := range s.registry.Snapshot() {
			fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", h.ServerID, h.Status, h.LatencyMs, h.Err)
		}
		return w.Flush()
	},
}

var serversVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that each key server is registered on the ledger at its configured url",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		return verifyServers(ctx, s)
	},
}

func verifyServers(ctx context.Context, s *stack) error {
	failed := 0
	for _, d := range s.registry.ListConfigured() {
		ok, err := s.registry.VerifyOnChainRegistration(ctx, d)
		switch {
		case err != nil:
			return err
		case ok:
			fmt.Printf("%s\tregistered\t%s\n", d.ID, d.URL)
		default:
			failed++
			fmt.Printf("%s\tNOT registered\t%s\n", d.ID, d.URL)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d key servers failed verification", failed)
	}
	return nil
}

func init() {
	serversCmd.AddCommand(serversHealthCmd, serversVerifyCmd)
	rootCmd.AddCommand(serversCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print client readiness and key server health as json",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
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
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(client.Status(ctx))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
