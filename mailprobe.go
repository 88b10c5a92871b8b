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

// Package mailprobe assembles the service from its parts and runs it
// until a termination signal arrives.
package mailprobe

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/audit"
	"github.com/foxcpp/mailprobe/internal/authn"
	"github.com/foxcpp/mailprobe/internal/breaker"
	"github.com/foxcpp/mailprobe/internal/dnscache"
	"github.com/foxcpp/mailprobe/internal/domaindata"
	"github.com/foxcpp/mailprobe/internal/endpoint/api"
	"github.com/foxcpp/mailprobe/internal/endpoint/openmetrics"
	"github.com/foxcpp/mailprobe/internal/limiters"
	"github.com/foxcpp/mailprobe/internal/prober"
	"github.com/foxcpp/mailprobe/internal/resolver"
	"github.com/foxcpp/mailprobe/internal/smtppool"
	"github.com/foxcpp/mailprobe/internal/store"
	"github.com/foxcpp/mailprobe/internal/validator"
	"github.com/foxcpp/mailprobe/internal/verdict"
)

// Version is the version of the build, set by the linker or recovered
// from the module metadata.
var Version = "unknown"

func BuildInfo() string {
	if Version != "unknown" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return Version
}

func subLogger(cfg config.Config, name string) log.Logger {
	return log.Logger{Out: log.DefaultLogger.Out, Name: name, Debug: cfg.Debug}
}

// Run starts all components and blocks until SIGINT or SIGTERM.
func Run(cfg config.Config) error {
	log.DefaultLogger.Debug = cfg.Debug

	st := store.NewRedis(cfg.Redis)
	defer st.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := st.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("mailprobe: redis at %s: %w", cfg.Redis.Addr(), err)
	}

	rsv := resolver.New(cfg.DNS, dnscache.New(cfg.DNS.ShardCount), subLogger(cfg, "resolver"))
	rsv.StartCleanup(time.Minute)
	defer rsv.Close()

	pool := smtppool.New(cfg.SMTP, subLogger(cfg, "smtppool"))
	pool.StartReaper()
	defer pool.CloseAll()
	defer pool.StopReaper()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	})
	pr := prober.New(cfg.SMTP, pool, breakers, subLogger(cfg, "prober"))

	disposable := domaindata.NewDisposable()
	if cfg.DisposablePath != "" {
		if err := disposable.LoadFile(cfg.DisposablePath); err != nil {
			return fmt.Errorf("mailprobe: disposable list: %w", err)
		}
	}
	traps := domaindata.NewSpamTraps()
	if cfg.SpamTrapPath != "" {
		if err := traps.LoadFile(cfg.SpamTrapPath); err != nil {
			// Matching proceeds with an empty set.
			log.DefaultLogger.Error("spam trap list not loaded", err, "path", cfg.SpamTrapPath)
		}
	}

	verdicts := verdict.New(cfg.Verdict, st, subLogger(cfg, "verdict"))
	v := validator.New(cfg.Batch, rsv, pr, verdicts, disposable, traps, subLogger(cfg, "validator"))

	auditLog, err := audit.New(cfg.AuditPath, subLogger(cfg, "audit"))
	if err != nil {
		return fmt.Errorf("mailprobe: audit log: %w", err)
	}
	defer auditLog.Close()

	limiter := limiters.New(cfg.RateLimit, st, subLogger(cfg, "ratelimit"))
	defer limiter.Close()

	endp := api.New(cfg.HTTP, api.Deps{
		Validator: v,
		Keys:      authn.NewManager(st, subLogger(cfg, "authn")),
		Limiter:   limiter,
		Blocker:   limiters.NewIPBlocker(cfg.IPBlock, st, subLogger(cfg, "ipblock")),
		Audit:     auditLog,
		Checks: map[string]api.HealthCheck{
			"redis": st.Ping,
			"dns": func(ctx context.Context) error {
				res, err := rsv.ResolveNS(ctx, "com")
				if res.Outcome == resolver.OutcomeTimeout || res.Outcome == resolver.OutcomeTransport {
					return err
				}
				return nil
			},
		},
		Logger: subLogger(cfg, "api"),
	})
	if err := endp.Start(); err != nil {
		return fmt.Errorf("mailprobe: %w", err)
	}
	defer endp.Close()

	if cfg.HTTP.MetricsAddr != "" {
		metrics := openmetrics.New(cfg.HTTP.MetricsAddr, subLogger(cfg, "openmetrics"))
		if err := metrics.Start(); err != nil {
			return fmt.Errorf("mailprobe: %w", err)
		}
		defer metrics.Close()
	}

	log.Printf("mailprobe %s started", BuildInfo())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Printf("signal received (%v), next signal will force immediate shutdown", s)
	go func() {
		<-sig
		os.Exit(1)
	}()
	return nil
}
