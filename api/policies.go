package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/policy"
)

// PolicyReader is the read side of the policy engine.
type PolicyReader interface {
	Get(ctx context.Context, id string) (*policy.Record, error)
	Evaluate(ctx context.Context, id, requester, purchaseRef string) (policy.Decision, error)
}

type policyClient struct {
	PolicyReader
}

// LoadPolicyRoutes exposes policies read only. Allowlist changes go through
// the engine directly so the actor is the wallet that signs the command.
func LoadPolicyRoutes(policies PolicyReader) chi.Router {
	p := policyClient{policies}
	r := chi.NewRouter()
	r.Route("/", func(r chi.Router) {
		r.Get("/{id}", p.getPolicy)
		r.Get("/{id}/verify", p.verifyPolicy)
	})
	return r
}

func (p policyClient) getPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := p.Get(r.Context(), id)
	if err != nil {
		writeError(w, "could not retrieve policy", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (p policyClient) verifyPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requester := r.URL.Query().Get("requester")
	if requester == "" {
		http.Error(w, "requester not provided", http.StatusBadRequest)
		return
	}
	d, err := p.Evaluate(r.Context(), id, requester, r.URL.Query().Get("purchase"))
	if err != nil {
		writeError(w, "could not evaluate policy", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeError(w http.ResponseWriter, msg string, err error) {
	status := errdefs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error(msg, slog.Any("err", err))
	}
	http.Error(w, msg+": "+err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
