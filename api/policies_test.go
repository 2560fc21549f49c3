package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/ledger"
	"github.com/satya-market/access-go/pkg/policy"
)

func newServer(t *testing.T) (*httptest.Server, *policy.Record) {
	t.Helper()
	engine := policy.NewEngine(policy.NewMemoryStore(), ledger.NewMemory())
	rec, err := engine.CreatePolicy(context.Background(), "0xowner", policy.Allowlist, policy.Params{
		AllowedAddresses: []string{"0xfriend"},
	})
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	r.Mount("/v1/policies", LoadPolicyRoutes(engine))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestGetPolicy(t *testing.T) {
	srv, rec := newServer(t)
	resp, err := http.Get(srv.URL + "/v1/policies/" + rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got policy.Record
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.Type != policy.Allowlist {
		t.Fatalf("got %+v", got)
	}

	missing, err := http.Get(srv.URL + "/v1/policies/nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != errdefs.HTTPStatus(errdefs.ErrUnknownPolicy) {
		t.Fatalf("unknown policy answered %d", missing.StatusCode)
	}
}

func TestVerifyPolicy(t *testing.T) {
	srv, rec := newServer(t)
	tests := []struct {
		requester string
		allowed   bool
	}{
		{"0xfriend", true},
		{"0xstranger", false},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + "/v1/policies/" + rec.ID + "/verify?requester=" + tt.requester)
		if err != nil {
			t.Fatal(err)
		}
		var d policy.Decision
		err = json.NewDecoder(resp.Body).Decode(&d)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed != tt.allowed {
			t.Errorf("%s: allowed = %v, reason %q", tt.requester, d.Allowed, d.Reason)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/policies/" + rec.ID + "/verify")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing requester answered %d", resp.StatusCode)
	}
}
