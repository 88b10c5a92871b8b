/*
Mailprobe - Email address verification service.
Copyright © 2024 Mailprobe contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package api implements the public HTTP interface of the service.
//
// Requests pass three middleware stages in order: IP block check, API
// key authentication, rate limiting. Auth failures feed the IP blocker,
// every security-relevant decision lands in the audit log.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/audit"
	"github.com/foxcpp/mailprobe/internal/authn"
	"github.com/foxcpp/mailprobe/internal/limiters"
	"github.com/foxcpp/mailprobe/internal/validator"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Deps carries the constructed singletons the endpoint serves.
type Deps struct {
	Validator *validator.V
	Keys      *authn.Manager
	Limiter   *limiters.L
	Blocker   *limiters.IPBlocker
	Audit     *audit.L

	// Per-component health probes, keyed by component name.
	Checks map[string]HealthCheck

	Logger log.Logger
}

// Paths served without authentication.
var publicPaths = map[string]struct{}{
	"/health":       {},
	"/readiness":    {},
	"/metrics":      {},
	"/docs":         {},
	"/redoc":        {},
	"/openapi.json": {},
}

type Endpoint struct {
	cfg  config.HTTP
	deps Deps
	log  log.Logger

	engine *gin.Engine
	srv    *http.Server
}

func New(cfg config.HTTP, deps Deps) *Endpoint {
	e := &Endpoint{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(e.ipBlockMiddleware())
	engine.Use(e.authMiddleware())
	engine.Use(e.rateLimitMiddleware())

	engine.POST("/validate", e.handleValidate)
	engine.POST("/validate/batch", e.handleValidateBatch)
	engine.GET("/health", e.handleHealth)
	engine.GET("/readiness", e.handleReadiness)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	e.engine = engine
	e.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// SMTP probes of slow MXes can legitimately take a while.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return e
}

// Handler exposes the router, used by tests.
func (e *Endpoint) Handler() http.Handler {
	return e.engine
}

func (e *Endpoint) Start() error {
	l, err := net.Listen("tcp", e.srv.Addr)
	if err != nil {
		return err
	}
	e.log.Msg("listening", "addr", e.srv.Addr)
	go func() {
		if err := e.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			e.log.Error("HTTP server failed", err)
		}
	}()
	return nil
}

func (e *Endpoint) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}
