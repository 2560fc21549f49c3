package keyserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// KeySetFunc returns the keys bearer tokens are verified against.
type KeySetFunc func(ctx context.Context) (jwk.Set, error)

func StaticKeySet(set jwk.Set) KeySetFunc {
	return func(context.Context) (jwk.Set, error) {
		return set, nil
	}
}

// JWKSCache fetches and periodically refreshes the key set at jwksURL.
func JWKSCache(ctx context.Context, jwksURL string) (KeySetFunc, error) {
	c := jwk.NewCache(ctx)
	if err := c.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, err
	}
	if _, err := c.Refresh(ctx, jwksURL); err != nil {
		return nil, err
	}
	slog.Info("jwk cache started", slog.String("url", jwksURL))
	return func(ctx context.Context) (jwk.Set, error) {
		return c.Get(ctx, jwksURL)
	}, nil
}

// BearerAuth guards permissioned key servers. Requests must carry a token
// signed by one of the keys from keys and, when audience is set, issued for it.
func BearerAuth(keys KeySetFunc, audience string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyset, err := keys(r.Context())
			if err != nil {
				slog.Error("could not retrieve keyset", slog.Any("err", err))
				http.Error(w, "internal server error validating authorization header", http.StatusInternalServerError)
				return
			}
			authHeader := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(authHeader, "Bearer ")
			if !found || token == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			opts := []jwt.ParseOption{jwt.WithKeySet(keyset), jwt.WithValidate(true)}
			if audience != "" {
				opts = append(opts, jwt.WithAudience(audience))
			}
			if _, err = jwt.ParseString(token, opts...); err != nil {
				slog.Warn("bearer token rejected", slog.Any("err", err))
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
