package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Router wires the handlers behind an in-flight limit of maxInflight requests.
func Router(h *Handlers, maxInflight int) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	r.HandleFunc("/v1/owners", h.CreateOwner).Methods("POST")
	r.HandleFunc("/v1/owners/{ownerID}/friends/{friendID}", h.AddFriend).Methods("POST")
	r.HandleFunc("/v1/owners/{ownerID}/accounts", h.OwnerAccounts).Methods("GET")

	r.HandleFunc("/v1/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/v1/accounts", h.ListAccounts).Methods("GET")
	r.HandleFunc("/v1/accounts/{id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/v1/accounts/{id}/withdrawal", h.Withdraw).Methods("POST")
	r.HandleFunc("/v1/accounts/{id}/replenishment", h.Replenish).Methods("POST")
	r.HandleFunc("/v1/accounts/{id}/transfer/{toID}", h.Transfer).Methods("POST")
	r.HandleFunc("/v1/accounts/{id}/audit", h.Audit).Methods("GET")

	r.HandleFunc("/v1/transactions", h.Transactions).Methods("GET")

	// Backpressure at the edge.
	// Prevents unbounded goroutine queueing behind busy account locks.
	return withConcurrencyLimit(r, maxInflight)
}

func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			// Fast fail instead of queueing forever.
			writeErr(w, http.StatusServiceUnavailable, "server busy")
		}
	})
}
