package app

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"zapai.dev/pkg/accounting"
	"zapai.dev/pkg/ai"
	"zapai.dev/pkg/dispatch"
	"zapai.dev/pkg/processor"
	"zapai.dev/pkg/profile"
	"zapai.dev/pkg/queue"
	"zapai.dev/pkg/ratelimit"
	"zapai.dev/pkg/relay"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/context"
	"zapai.dev/pkg/utils/log"
	"zapai.dev/pkg/version"
)

// queuePressureRatio is the pending/capacity ratio above which the health
// endpoint reports unhealthy.
const queuePressureRatio = 0.9

// statusPayload is the JSON served by GET /status.
type statusPayload struct {
	Name       string                 `json:"name"`
	Version    string                 `json:"version"`
	Npub       string                 `json:"npub"`
	UptimeSecs int64                  `json:"uptimeSeconds"`
	Relays     []relay.HealthSnapshot `json:"relays"`
	Queue      queue.Stats            `json:"queue"`
	RateLimit  ratelimit.Stats        `json:"rateLimit"`
	AI         ai.Stats               `json:"ai"`
	Dispatch   dispatch.Stats         `json:"dispatch"`
	Processor  processor.Stats        `json:"processor"`
	Accounting accounting.Stats       `json:"accounting"`
	Profiles   profile.Stats          `json:"profiles"`
}

// serveWeb runs the status/health HTTP listener until the bot context ends.
func (b *Bot) serveWeb() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)
	r.Get("/health", b.handleHealth)
	r.Group(func(r chi.Router) {
		if b.Config.DashboardPassword != "" {
			r.Use(b.basicAuth)
		}
		r.Get("/status", b.handleStatus)
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", b.Config.WebPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-b.Ctx.Done()
		sctx, cancel := context.Timeout(context.Bg(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.I.F("status surface listening on :%d", b.Config.WebPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		chk.E(err)
	}
}

// handleHealth is the unauthenticated liveness probe: healthy while the
// queue has headroom and the model breaker is not open.
func (b *Bot) handleHealth(w http.ResponseWriter, _ *http.Request) {
	qs := b.Queue.Stats()
	pressure := float64(qs.Pending) / float64(b.Config.MaxQueueSize)
	breakerOpen := b.Model.Breaker().State() == ai.StateOpen
	healthy := pressure < queuePressureRatio && !breakerOpen
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(struct {
		Healthy     bool    `json:"healthy"`
		QueuePct    float64 `json:"queuePressure"`
		BreakerOpen bool    `json:"breakerOpen"`
	}{healthy, pressure, breakerOpen})
}

// handleStatus serves the full counter snapshot.
func (b *Bot) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := statusPayload{
		Name:       b.Config.AppName,
		Version:    version.V,
		Npub:       b.Sign.Npub(),
		UptimeSecs: int64(time.Since(b.started).Seconds()),
		Relays:     b.Relays.Healths(),
		Queue:      b.Queue.Stats(),
		RateLimit:  b.Limiter.Stats(),
		AI:         b.Model.Stats(),
		Dispatch:   b.Disp.Stats(),
		Processor:  b.Proc.Stats(),
		Accounting: b.Acct.Stats(),
		Profiles:   b.Profiles.Stats(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// basicAuth guards the status endpoint with the dashboard password.
func (b *Bot) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare(
			[]byte(pass), []byte(b.Config.DashboardPassword),
		) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="status"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
