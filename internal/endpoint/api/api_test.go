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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxcpp/mailprobe/framework/config"
	"github.com/foxcpp/mailprobe/internal/audit"
	"github.com/foxcpp/mailprobe/internal/authn"
	"github.com/foxcpp/mailprobe/internal/breaker"
	"github.com/foxcpp/mailprobe/internal/dnscache"
	"github.com/foxcpp/mailprobe/internal/domaindata"
	"github.com/foxcpp/mailprobe/internal/limiters"
	"github.com/foxcpp/mailprobe/internal/prober"
	"github.com/foxcpp/mailprobe/internal/resolver"
	"github.com/foxcpp/mailprobe/internal/smtppool"
	"github.com/foxcpp/mailprobe/internal/store"
	"github.com/foxcpp/mailprobe/internal/testutils"
	"github.com/foxcpp/mailprobe/internal/validator"
	"github.com/foxcpp/mailprobe/internal/verdict"
)

type testEnv struct {
	e      *Endpoint
	apiKey string
}

func testEndpoint(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	mem := store.NewMemory()

	dnsCfg := cfg.DNS
	r := resolver.New(dnsCfg, dnscache.New(dnsCfg.ShardCount), testutils.Logger(t, "resolver"))

	pool := smtppool.New(cfg.SMTP, testutils.Logger(t, "pool"))
	t.Cleanup(pool.CloseAll)
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMax: 3})
	p := prober.New(cfg.SMTP, pool, breakers, testutils.Logger(t, "prober"))

	verdicts := verdict.New(cfg.Verdict, mem, testutils.Logger(t, "verdict"))
	v := validator.New(cfg.Batch, r, p, verdicts,
		domaindata.NewDisposable(), domaindata.NewSpamTraps(), testutils.Logger(t, "validator"))

	keys := authn.NewManager(mem, testutils.Logger(t, "authn"))
	apiKey, err := keys.Generate(context.Background(), limiters.TierBasic, 0)
	if err != nil {
		t.Fatal(err)
	}

	auditLog, err := audit.New(filepath.Join(t.TempDir(), "audit.ndjson"), testutils.Logger(t, "audit"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	limiter := limiters.New(cfg.RateLimit, mem, testutils.Logger(t, "limiter"))
	t.Cleanup(limiter.Close)

	e := New(cfg.HTTP, Deps{
		Validator: v,
		Keys:      keys,
		Limiter:   limiter,
		Blocker:   limiters.NewIPBlocker(cfg.IPBlock, mem, testutils.Logger(t, "blocker")),
		Audit:     auditLog,
		Checks: map[string]HealthCheck{
			"redis": func(ctx context.Context) error { return mem.Ping(ctx) },
		},
		Logger: testutils.Logger(t, "api"),
	})
	return &testEnv{e: e, apiKey: apiKey}
}

func (env *testEnv) do(method, path, apiKey, ip, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = ip + ":40000"
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	env.e.Handler().ServeHTTP(w, req)
	return w
}

func TestValidateEndpoint(t *testing.T) {
	env := testEndpoint(t, nil)

	w := env.do("POST", "/validate", env.apiKey, "192.0.2.1",
		`{"email": "user@example.com", "check_mx": false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var res validator.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.IsValid || res.ValidationType != "syntax" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Details.NormalizedEmail != "user@example.com" {
		t.Fatalf("unexpected normalized form: %q", res.Details.NormalizedEmail)
	}
}

func TestValidateEndpoint_BadRequest(t *testing.T) {
	env := testEndpoint(t, nil)

	w := env.do("POST", "/validate", env.apiKey, "192.0.2.1", `{"check_mx": false}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
}

func TestAuthRequired(t *testing.T) {
	env := testEndpoint(t, nil)

	w := env.do("POST", "/validate", "", "192.0.2.1", `{"email": "user@example.com"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("missing key: status %d", w.Code)
	}

	w = env.do("POST", "/validate", "mp_bogus", "192.0.2.1", `{"email": "user@example.com"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("bogus key: status %d", w.Code)
	}

	// Bearer token form works too.
	req := httptest.NewRequest("POST", "/validate", strings.NewReader(`{"email": "user@example.com", "check_mx": false}`))
	req.RemoteAddr = "192.0.2.1:40000"
	req.Header.Set("Authorization", "Bearer "+env.apiKey)
	req.Header.Set("Content-Type", "application/json")
	w2 := httptest.NewRecorder()
	env.e.Handler().ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("bearer auth: status %d: %s", w2.Code, w2.Body)
	}
}

func TestRateLimited(t *testing.T) {
	env := testEndpoint(t, func(cfg *config.Config) {
		cfg.RateLimit.DefaultLimit = 3
	})
	body := `{"email": "user@example.com", "check_mx": false}`

	for i := 0; i < 3; i++ {
		w := env.do("POST", "/validate", env.apiKey, "192.0.2.1", body)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d: %s", i+1, w.Code, w.Body)
		}
	}

	w := env.do("POST", "/validate", env.apiKey, "192.0.2.1", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-quota request: status %d: %s", w.Code, w.Body)
	}
	if w.Header().Get("X-RateLimit-Limit") != "3" {
		t.Fatalf("unexpected limit header: %q", w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestIPBlocked(t *testing.T) {
	env := testEndpoint(t, func(cfg *config.Config) {
		cfg.IPBlock.MaxFailures = 3
	})
	body := `{"email": "user@example.com", "check_mx": false}`

	for i := 0; i < 3; i++ {
		w := env.do("POST", "/validate", "mp_bogus", "203.0.113.7", body)
		if w.Code != http.StatusForbidden {
			t.Fatalf("request %d: status %d", i+1, w.Code)
		}
	}

	// A valid key does not help a blocked IP.
	w := env.do("POST", "/validate", env.apiKey, "203.0.113.7", body)
	if w.Code != http.StatusForbidden {
		t.Fatalf("blocked IP: status %d: %s", w.Code, w.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["detail"] != "ip_blocked" {
		t.Fatalf("unexpected detail: %q", resp["detail"])
	}

	// Other IPs are unaffected.
	w = env.do("POST", "/validate", env.apiKey, "192.0.2.1", body)
	if w.Code != http.StatusOK {
		t.Fatalf("unrelated IP: status %d: %s", w.Code, w.Body)
	}
}

func TestBatchEndpoint(t *testing.T) {
	env := testEndpoint(t, nil)

	w := env.do("POST", "/validate/batch", env.apiKey, "192.0.2.1",
		`{"emails": ["a@example.com", "bad", "b@example.com"], "check_mx": false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var resp struct {
		Total   int                `json:"total"`
		Results []validator.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || len(resp.Results) != 3 {
		t.Fatalf("unexpected batch response: %+v", resp)
	}
	if !resp.Results[0].IsValid || resp.Results[1].IsValid || !resp.Results[2].IsValid {
		t.Fatalf("unexpected verdicts: %+v", resp.Results)
	}
}

func TestBatchEndpoint_BatchSize(t *testing.T) {
	env := testEndpoint(t, nil)

	// Chunk size below the input length splits the batch; order and
	// verdicts are unchanged.
	w := env.do("POST", "/validate/batch", env.apiKey, "192.0.2.1",
		`{"emails": ["a@example.com", "b@example.com", "c@example.com"], "check_mx": false, "batch_size": 2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	var resp struct {
		Total   int                `json:"total"`
		Results []validator.Result `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 {
		t.Fatalf("unexpected total: %d", resp.Total)
	}
	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		if resp.Results[i].Email != email || !resp.Results[i].IsValid {
			t.Fatalf("result %d: %+v", i, resp.Results[i])
		}
	}

	w = env.do("POST", "/validate/batch", env.apiKey, "192.0.2.1",
		`{"emails": ["a@example.com"], "batch_size": -1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative batch_size: status %d: %s", w.Code, w.Body)
	}
}

func TestHealth(t *testing.T) {
	env := testEndpoint(t, nil)

	// No auth needed.
	w := env.do("GET", "/health", "", "192.0.2.1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}

	env.e.deps.Checks["redis"] = func(ctx context.Context) error {
		return errors.New("connection refused")
	}
	w = env.do("GET", "/health", "", "192.0.2.1", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" || !strings.HasPrefix(resp.Components["redis"], "error") {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}
