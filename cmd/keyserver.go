package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/satya-market/access-go/api"
	"github.com/satya-market/access-go/internal/crypto"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/keyserver"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var keyserverCmd = &cobra.Command{
	Use:   "keyserver",
	Short: "Run a reference key server",
}

var keyserverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Serve rewrap requests for the configured package",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ks := cfg.KeyServer
		if ks.ServerID == "" || ks.KeyFile == "" {
			return fmt.Errorf("%w: keyserver.server_id and keyserver.key_file are required", errdefs.ErrConfiguration)
		}
		if cfg.PackageID == "" {
			return fmt.Errorf("%w: package_id is required", errdefs.ErrConfiguration)
		}
		pem, err := os.ReadFile(ks.KeyFile)
		if err != nil {
			return err
		}
		priv, err := crypto.ParseRSAPrivateKey(pem)
		if err != nil {
			return fmt.Errorf("%w: %w", errdefs.ErrConfiguration, err)
		}

		s, err := openStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		var mw []func(http.Handler) http.Handler
		if ks.JWKSURL != "" {
			keys, err := keyserver.JWKSCache(ctx, ks.JWKSURL)
			if err != nil {
				return fmt.Errorf("could not start jwk cache: %w", err)
			}
			mw = append(mw, keyserver.BearerAuth(keys, ks.Audience))
		}
		provider, err := keyserver.NewProvider(keyserver.Provider{
			ServerID:   ks.ServerID,
			PackageID:  cfg.PackageID,
			PrivateKey: priv,
			Approver:   s.engine.Approver(cfg.PackageID),
			Middleware: mw,
		})
		if err != nil {
			return err
		}
		r := provider.Routes()
		r.Mount("/v1/policies", api.LoadPolicyRoutes(s.engine))
		logRoutes(r)
		return serve(ctx, &http.Server{
			Addr:              ks.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		})
	},
}

func logRoutes(r chi.Routes) {
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		slog.Info("loaded route", slog.String("method", method), slog.String("route", route))
		return nil
	})
}

// serve runs server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

var keyserverKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for a key server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if outPath == "" {
			return fmt.Errorf("--out is required")
		}
		private, public, err := crypto.GenerateRSAKeysPem()
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, private, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(outPath+".pub", public, 0o644); err != nil {
			return err
		}
		fmt.Println("Wrote", outPath, "and", outPath+".pub")
		return nil
	},
}

func init() {
	keyserverStartCmd.Flags().String("addr", "", "listen address, overrides keyserver.addr")
	keyserverStartCmd.Flags().String("key", "", "PEM private key file, overrides keyserver.key_file")
	keyserverStartCmd.Flags().String("server-id", "", "ledger object id of this server, overrides keyserver.server_id")
	keyserverStartCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		for flag, dst := range map[string]*string{
			"addr":      &cfg.KeyServer.Addr,
			"key":       &cfg.KeyServer.KeyFile,
			"server-id": &cfg.KeyServer.ServerID,
		} {
			if v, _ := cmd.Flags().GetString(flag); v != "" {
				*dst = v
			}
		}
		return nil
	}
	keyserverKeygenCmd.Flags().StringVarP(&outPath, "out", "o", "", "private key file; the public key goes to <out>.pub")
	keyserverCmd.AddCommand(keyserverStartCmd, keyserverKeygenCmd)
	rootCmd.AddCommand(keyserverCmd)
}
