package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vidarelay/users"
)

// UserReader is the datastore-only lookup surface the admin endpoint uses.
// It must never trigger a webhook fallback.
type UserReader interface {
	GetByPubkey(ctx context.Context, pubkey string) (*users.User, error)
}

// Admin serves the operator endpoints on a separate listener.
type Admin struct {
	apiKey string
	users  UserReader
	log    *slog.Logger
}

// NewAdmin wires the admin surface. apiKey comes from RELAY_API_KEY; when
// empty every /user request is refused.
func NewAdmin(apiKey string, reader UserReader, log *slog.Logger) *Admin {
	if log == nil {
		log = slog.Default()
	}
	return &Admin{apiKey: apiKey, users: reader, log: log}
}

// Handler builds the admin router.
func (a *Admin) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/user", a.handleUser)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (a *Admin) handleUser(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if a.apiKey == "" || token == "" || token != a.apiKey {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	pubkey := r.URL.Query().Get("pubkey")
	if pubkey == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	user, err := a.users.GetByPubkey(r.Context(), pubkey)
	if err != nil {
		a.log.Error("admin user lookup failed", slog.String("pubkey", pubkey), slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{"balance": user.Balance})
}
