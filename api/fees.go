package api

import (
	"net/http"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/internal"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/noncepool"
)

// feeEstimates handles GET /fees: the clamped fee matrix the relay would pay
// right now, with its provenance.
func (a *API) feeEstimates(w http.ResponseWriter, r *http.Request) {
	result := a.fees.Estimates(r.Context())
	httpWriteJSON(w, map[string]any{
		"success":   true,
		"network":   a.network.Name,
		"estimates": result.Estimates,
		"source":    result.Source,
		"clamps":    a.fees.ClampConfig(),
	})
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	Network string             `json:"network"`
	Uptime  string             `json:"uptime"`
	Wallets []noncepool.Status `json:"wallets"`
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httpWriteJSON(w, healthResponse{
		Status:  "ok",
		Version: internal.Version,
		Network: a.network.Name,
		Uptime:  log.Uptime().String(),
		Wallets: a.pool.Status(),
	})
}
