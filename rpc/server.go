// Package rpc implements the node's HTTP query surface: read-only chain
// state endpoints, a JWT-gated transaction submission endpoint, and a
// server-sent-events subscription onto the event bus.
package rpc

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nhbchain/core"
	"nhbchain/core/state"
	"nhbchain/eventbus"
	"nhbchain/mempool"
	"nhbchain/snapshot"
)

// Config controls the listener and optional JWT gate for the mutating
// surface.
type Config struct {
	ListenAddress     string
	JWT               JWTConfig
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// Server bundles the read-only and mutating RPC surface over a node's
// already-running chain, state, mempool, event bus, and snapshot engine.
type Server struct {
	chain      *core.Blockchain
	manager    *state.Manager
	pool       *mempool.Mempool
	bus        *eventbus.Bus
	snapshots  *snapshot.Engine
	jwt        *jwtVerifier
	router     chi.Router
	httpServer *http.Server
}

// NewServer constructs a Server and wires its route table. It does not bind
// a listener; call Start or Serve for that.
func NewServer(cfg Config, chain *core.Blockchain, manager *state.Manager, pool *mempool.Mempool, bus *eventbus.Bus, snapshots *snapshot.Engine) (*Server, error) {
	verifier, err := newJWTVerifier(cfg.JWT)
	if err != nil {
		return nil, err
	}
	s := &Server{
		chain:     chain,
		manager:   manager,
		pool:      pool,
		bus:       bus,
		snapshots: snapshots,
		jwt:       verifier,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(s.router, "computechain-rpc"),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/accounts/{address}", s.handleAccount)
	r.Get("/v1/blocks/height/{height}", s.handleBlockByHeight)
	r.Get("/v1/blocks/hash/{hash}", s.handleBlockByHash)
	r.Get("/v1/validators", s.handleValidatorList)
	r.Get("/v1/validators/{address}", s.handleValidator)
	r.Get("/v1/delegations/{delegator}", s.handleDelegations)
	r.Get("/v1/unbonding/{delegator}", s.handleUnbonding)
	r.Get("/v1/rewards/{delegator}", s.handleRewardHistory)
	r.Get("/v1/mempool/size", s.handleMempoolSize)
	r.Get("/v1/snapshots", s.handleSnapshotList)
	r.Get("/v1/events", s.handleEvents)

	r.Post("/v1/transactions", s.requireAuth(s.handleSubmitTransaction))

	return r
}

// ServeHTTP lets Server satisfy http.Handler directly, for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start binds the configured listen address and serves until the process
// is shut down or Serve returns an error.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server, allowing in-flight requests
// (including long-lived event-stream subscriptions) to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
