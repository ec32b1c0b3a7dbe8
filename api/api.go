// Package api exposes the relay's HTTP surface: the sponsorship endpoints,
// the x402 facilitator endpoints, fee and receipt lookups, and the
// receipt-gated access proxy.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/noncepool"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/sponsor"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
)

// APIConfig bundles the dependencies of the HTTP server.
type APIConfig struct {
	Host     string
	Port     int
	Network  config.Network
	Storage  *storage.Storage
	Pipeline *sponsor.Pipeline
	Fees     *fees.Service
	Pool     *noncepool.Pool
}

// API is the relay HTTP server.
type API struct {
	router   *chi.Mux
	server   *http.Server
	network  config.Network
	storage  *storage.Storage
	pipeline *sponsor.Pipeline
	fees     *fees.Service
	pool     *noncepool.Pool
	access   *http.Client
}

// New builds the API and its router. Call Start to begin serving.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Storage == nil || conf.Pipeline == nil || conf.Fees == nil || conf.Pool == nil {
		return nil, fmt.Errorf("incomplete API configuration")
	}
	a := &API{
		network:  conf.Network,
		storage:  conf.Storage,
		pipeline: conf.Pipeline,
		fees:     conf.Fees,
		pool:     conf.Pool,
		access:   &http.Client{Timeout: 10 * time.Second},
	}
	a.initRouter()
	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// Router returns the chi router, used by tests.
func (a *API) Router() *chi.Mux {
	return a.router
}

// Start serves until ctx is canceled.
func (a *API) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infow("starting API server", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Payment"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(middleware.RequestID)
	a.router.Use(loggingMiddleware())
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.Timeout(90 * time.Second))

	a.registerHandlers()
}

// registerHandlers registers all the HTTP handlers for the relay endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.Get(HealthEndpoint, a.health)
	log.Infow("register handler", "endpoint", RelayEndpoint, "method", "POST")
	a.router.Post(RelayEndpoint, a.relay)
	log.Infow("register handler", "endpoint", SponsorEndpoint, "method", "POST")
	a.router.Post(SponsorEndpoint, a.sponsor)
	log.Infow("register handler", "endpoint", SettleEndpoint, "method", "POST")
	a.router.Post(SettleEndpoint, a.settle)
	log.Infow("register handler", "endpoint", VerifyEndpoint, "method", "POST")
	a.router.Post(VerifyEndpoint, a.verify)
	log.Infow("register handler", "endpoint", SupportedEndpoint, "method", "GET")
	a.router.Get(SupportedEndpoint, a.supported)
	log.Infow("register handler", "endpoint", FeesEndpoint, "method", "GET")
	a.router.Get(FeesEndpoint, a.feeEstimates)
	log.Infow("register handler", "endpoint", ReceiptStatusEndpoint, "method", "GET")
	a.router.Get(ReceiptStatusEndpoint, a.receiptStatus)
	log.Infow("register handler", "endpoint", AccessEndpoint, "method", "POST")
	a.router.Post(AccessEndpoint, a.accessResource)
}
