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

// Package validator runs the validation pipeline for a single address:
// syntax and IDNA normalization, verdict cache lookup, static risk
// tables, MX resolution and the optional SMTP probe, ending in a risk
// score and a cached verdict.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/foxcpp/mailprobe/framework/address"
	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/framework/log"
	"github.com/foxcpp/mailprobe/internal/domaindata"
	"github.com/foxcpp/mailprobe/internal/prober"
	"github.com/foxcpp/mailprobe/internal/resolver"
	"github.com/foxcpp/mailprobe/internal/verdict"
)

type Status string

const (
	StatusValid   Status = "valid"
	StatusRisky   Status = "risky"
	StatusInvalid Status = "invalid"
)

// Additive risk weights. The score is capped at 100 and anything at or
// above riskyThreshold is flagged Risky.
const (
	riskSyntax     = 40
	riskNoMX       = 30
	riskUnverified = 20
	riskDisposable = 15
	riskNoPTR      = 10
	riskCatchAll   = 10
	riskTypo       = 10
	riskRole       = 5
	riskSpamTrap   = 40

	riskyThreshold = 50
)

type Request struct {
	Email         string `json:"email"`
	CheckMX       bool   `json:"check_mx"`
	CheckSMTP     bool   `json:"check_smtp"`
	CheckCatchAll bool   `json:"check_catch_all"`

	// MAIL FROM sender used by the SMTP probe instead of the configured
	// default.
	SMTPFrom string `json:"smtp_from,omitempty"`
}

type MXRecord struct {
	Host     string `json:"host"`
	Priority uint16 `json:"priority"`
}

type SMTPCheck struct {
	MXUsed   string `json:"mx_used"`
	Response string `json:"response"`
}

type Details struct {
	LocalPart       string     `json:"local_part"`
	Domain          string     `json:"domain"`
	NormalizedEmail string     `json:"normalized_email"`
	MXRecords       []MXRecord `json:"mx_records,omitempty"`
	SMTPCheck       *SMTPCheck `json:"smtp_check,omitempty"`

	IsDisposable  bool   `json:"is_disposable,omitempty"`
	IsRoleAccount bool   `json:"is_role_account,omitempty"`
	IsSpamTrap    bool   `json:"is_spam_trap,omitempty"`
	IsCatchAll    bool   `json:"is_catch_all,omitempty"`
	DidYouMean    string `json:"did_you_mean,omitempty"`

	// PTR/NS existence signals, populated only when MX checks run.
	HasPTR *bool `json:"has_ptr,omitempty"`
	HasNS  *bool `json:"has_ns,omitempty"`
}

type Result struct {
	Email          string   `json:"email"`
	IsValid        bool     `json:"is_valid"`
	ValidationType string   `json:"validation_type"`
	Status         Status   `json:"status"`
	RiskScore      float64  `json:"risk_score"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	Details        *Details `json:"details,omitempty"`

	Cached bool `json:"cached"`
}

type V struct {
	batch    config.Batch
	resolver *resolver.R
	prober   *prober.Prober
	verdicts *verdict.S

	disposable *domaindata.Disposable
	spamTraps  *domaindata.SpamTraps

	// Optional reputation source, 0..100. Nil means no reputation
	// signal.
	Reputation func(ctx context.Context, domain string) (int, bool)

	log log.Logger
}

func New(batch config.Batch, r *resolver.R, p *prober.Prober, verdicts *verdict.S,
	disposable *domaindata.Disposable, spamTraps *domaindata.SpamTraps, logger log.Logger) *V {

	return &V{
		batch:      batch,
		resolver:   r,
		prober:     p,
		verdicts:   verdicts,
		disposable: disposable,
		spamTraps:  spamTraps,
		log:        logger,
	}
}

// Validate runs the full pipeline for one address. Syntax failures
// return a Result, not an error; errors are reserved for the service
// being unable to decide (DNS transport failure and the like).
func (v *V) Validate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := v.validate(ctx, req)
	if err != nil {
		validationErrors.Inc()
		return res, err
	}
	validateDuration.Observe(time.Since(start).Seconds())
	validationsTotal.WithLabelValues(res.ValidationType, string(res.Status)).Inc()
	return res, nil
}

func (v *V) validate(ctx context.Context, req Request) (Result, error) {
	addr, err := address.Parse(req.Email)
	if err != nil {
		return Result{
			Email:          req.Email,
			IsValid:        false,
			ValidationType: "syntax",
			Status:         StatusInvalid,
			RiskScore:      riskSyntax,
			ErrorMessage:   err.Error(),
		}, nil
	}

	opts := verdict.Options{
		CheckMX:       req.CheckMX,
		CheckSMTP:     req.CheckSMTP,
		CheckCatchAll: req.CheckCatchAll,
		SMTPFrom:      req.SMTPFrom,
	}
	payload, cached, err := v.verdicts.GetOrCompute(ctx, addr.Normalized, opts,
		func(ctx context.Context) (json.RawMessage, bool, error) {
			res, err := v.compute(ctx, req, addr)
			if err != nil {
				return nil, false, err
			}
			raw, err := json.Marshal(res)
			if err != nil {
				return nil, false, err
			}
			return raw, res.Status == StatusInvalid, nil
		})
	if err != nil {
		return Result{}, err
	}

	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, fmt.Errorf("validator: corrupt cached verdict: %w", err)
	}
	res.Cached = cached
	return res, nil
}

func (v *V) compute(ctx context.Context, req Request, addr address.Address) (Result, error) {
	res := Result{
		Email:          req.Email,
		IsValid:        true,
		ValidationType: "syntax",
		Details: &Details{
			LocalPart:       addr.LocalPart,
			Domain:          addr.DomainASCII,
			NormalizedEmail: addr.Normalized,
		},
	}

	score := 0.0

	res.Details.IsDisposable = v.disposable.Contains(addr.DomainASCII)
	if res.Details.IsDisposable {
		score += riskDisposable
	}
	res.Details.IsRoleAccount = domaindata.IsRoleAccount(addr.LocalPart)
	if res.Details.IsRoleAccount {
		score += riskRole
	}
	if suggestion, ok := domaindata.TypoSuggestion(addr.DomainASCII); ok {
		res.Details.DidYouMean = addr.LocalPart + "@" + suggestion
		score += riskTypo
	}
	res.Details.IsSpamTrap = v.spamTraps.Contains(addr.Normalized)
	if res.Details.IsSpamTrap {
		score += riskSpamTrap
	}

	var mxHosts []string
	if req.CheckMX {
		res.ValidationType = "mx"

		mx, _ := v.resolver.ResolveMX(ctx, addr.DomainASCII)
		switch mx.Outcome {
		case resolver.OutcomeOk:
			for _, rec := range mx.Records {
				res.Details.MXRecords = append(res.Details.MXRecords, MXRecord{
					Host:     rec.Value,
					Priority: rec.Priority,
				})
				mxHosts = append(mxHosts, rec.Value)
			}
		case resolver.OutcomeEmpty, resolver.OutcomeNx:
			res.IsValid = false
			res.Status = StatusInvalid
			res.ErrorMessage = "No MX records found for domain"
			res.RiskScore = capScore(score + riskNoMX)
			return res, nil
		default:
			return Result{}, fmt.Errorf("validator: MX resolution for %s: %w", addr.DomainASCII, mx.Err)
		}

		v.dnsSignals(ctx, addr.DomainASCII, res.Details)
		if res.Details.HasPTR != nil && !*res.Details.HasPTR {
			score += riskNoPTR
		}
	}

	if req.CheckSMTP && len(mxHosts) > 0 {
		res.ValidationType = "smtp"

		probe := v.prober.ProbeFrom(ctx, req.SMTPFrom, addr.Normalized, mxHosts)
		res.Details.SMTPCheck = &SMTPCheck{
			MXUsed:   probe.MXHost,
			Response: fmt.Sprintf("%d %s", probe.Code, probe.Message),
		}
		switch probe.Verdict {
		case prober.Undeliverable:
			res.IsValid = false
			res.Status = StatusInvalid
			res.ErrorMessage = "Email address does not exist"
			res.RiskScore = capScore(score)
			return res, nil
		case prober.Deliverable:
		default:
			// Tempfail, policy blocks and dead MXes all leave the
			// mailbox unverified.
			score += riskUnverified
		}

		if req.CheckCatchAll {
			catchAll, _ := v.prober.ProbeCatchAll(ctx, addr.DomainASCII, mxHosts)
			res.Details.IsCatchAll = catchAll
			if catchAll {
				score += riskCatchAll
			}
		}
	}

	if v.Reputation != nil {
		if rep, ok := v.Reputation(ctx, addr.DomainASCII); ok {
			score += float64(100-rep) * 0.2
		}
	}

	res.RiskScore = capScore(score)
	if res.RiskScore < riskyThreshold {
		res.Status = StatusValid
	} else {
		res.Status = StatusRisky
	}
	return res, nil
}

// dnsSignals records PTR and NS existence for the domain. Both are
// advisory; resolution failures leave the signal unset.
func (v *V) dnsSignals(ctx context.Context, domain string, details *Details) {
	if ns, _ := v.resolver.ResolveNS(ctx, domain); ns.Outcome == resolver.OutcomeOk || ns.Outcome == resolver.OutcomeEmpty || ns.Outcome == resolver.OutcomeNx {
		hasNS := ns.Outcome == resolver.OutcomeOk && len(ns.Records) > 0
		details.HasNS = &hasNS
	}

	a, _ := v.resolver.ResolveA(ctx, domain)
	if a.Outcome != resolver.OutcomeOk || len(a.Records) == 0 {
		return
	}
	ip := net.ParseIP(a.Records[0].Value)
	if ip == nil {
		return
	}
	ptr, _ := v.resolver.ResolvePTR(ctx, ip)
	switch ptr.Outcome {
	case resolver.OutcomeOk, resolver.OutcomeEmpty, resolver.OutcomeNx:
		hasPTR := ptr.Outcome == resolver.OutcomeOk && len(ptr.Records) > 0
		details.HasPTR = &hasPTR
	}
}

func capScore(score float64) float64 {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// ValidateBatch validates addresses in chunks of batchSize (0 means
// the configured default), each chunk bounded by a semaphore, with a
// pause between chunks so downstream MTAs do not see the whole batch as
// a burst. Results keep input order.
func (v *V) ValidateBatch(ctx context.Context, emails []string, opts Request, batchSize int) []Result {
	results := make([]Result, len(emails))

	chunkSize := batchSize
	if chunkSize <= 0 {
		chunkSize = v.batch.DefaultSize
	}
	fanout := chunkSize
	if v.batch.MaxFanout < fanout {
		fanout = v.batch.MaxFanout
	}

	for offset := 0; offset < len(emails); offset += chunkSize {
		if offset > 0 && v.batch.InterChunkDelay > 0 {
			select {
			case <-time.After(v.batch.InterChunkDelay):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			for i := offset; i < len(emails); i++ {
				results[i] = errorResult(emails[i], ctx.Err())
			}
			break
		}

		end := offset + chunkSize
		if end > len(emails) {
			end = len(emails)
		}

		sem := semaphore.NewWeighted(int64(fanout))
		for i := offset; i < end; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = errorResult(emails[i], err)
				continue
			}
			go func(i int) {
				defer sem.Release(1)
				req := opts
				req.Email = emails[i]
				res, err := v.Validate(ctx, req)
				if err != nil {
					res = errorResult(emails[i], err)
				}
				results[i] = res
			}(i)
		}
		// Wait for the chunk to drain before starting the next one.
		if err := sem.Acquire(context.Background(), int64(fanout)); err == nil {
			sem.Release(int64(fanout))
		}
	}
	return results
}

func errorResult(email string, err error) Result {
	return Result{
		Email:        email,
		IsValid:      false,
		Status:       StatusInvalid,
		RiskScore:    100,
		ErrorMessage: "validation failed: " + err.Error(),
	}
}
