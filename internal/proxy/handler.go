package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/clock"
	"github.com/vnmchuo/ai-metering/internal/provider"
	"github.com/vnmchuo/ai-metering/internal/quota"
	"github.com/vnmchuo/ai-metering/internal/usage"
	"github.com/vnmchuo/ai-metering/pkg/ratelimit"
)

const (
	defaultReportWindow = 30 * 24 * time.Hour
	// maxReportDays caps one report request (series points, summary range).
	maxReportDays = 366
)

type Completer interface {
	Dispatch(ctx context.Context, req *provider.Request) (*Result, error)
}

type UsageReporter interface {
	Summary(ctx context.Context, userID string, from, to time.Time) (*usage.Summary, error)
	Series(ctx context.Context, userID string, from, to time.Time) ([]usage.Point, error)
	Table(ctx context.Context, userID string, from, to time.Time, f usage.Filters, p usage.Pagination) (*usage.Page, error)
}

type Handler struct {
	dispatcher Completer
	gate       QuotaChecker
	reports    UsageReporter
	limiter    *ratelimit.Limiter
	clock      clock.Clock
	log        *zap.Logger
	// defaultTokens is charged to the rate limiter when a request has no max_tokens.
	defaultTokens int
}

type HandlerOption func(*Handler)

// WithDefaultTokens sets the rate-limit charge for requests without
// max_tokens. It should match the dispatcher's reservation budget.
func WithDefaultTokens(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.defaultTokens = n
		}
	}
}

func NewHandler(dispatcher Completer, gate QuotaChecker, reports UsageReporter, limiter *ratelimit.Limiter, clk clock.Clock, log *zap.Logger, opts ...HandlerOption) *Handler {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		dispatcher:    dispatcher,
		gate:          gate,
		reports:       reports,
		limiter:       limiter,
		clock:         clk,
		log:           log.Named("handler"),
		defaultTokens: DefaultReservationTokens,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the authenticated API. Authentication middleware is applied
// by the caller.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/chat/completions", h.HandleComplete)
	r.Get("/v1/quota", h.HandleQuota)
	r.Get("/v1/usage/summary", h.HandleUsageSummary)
	r.Get("/v1/usage/series", h.HandleUsageSeries)
	r.Get("/v1/usage/logs", h.HandleUsageLogs)
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Prompt      string             `json:"prompt"`
	System      string             `json:"system"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
	Endpoint    string             `json:"endpoint"`
	Tags        map[string]string  `json:"tags"`
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	estimatedTokens := body.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = h.defaultTokens
	}
	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, userID, estimatedTokens)
		if err != nil {
			h.log.Warn("rate limiter unavailable, allowing request", zap.String("user_id", userID), zap.Error(err))
		} else if !allowed {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	res, err := h.dispatcher.Dispatch(ctx, &provider.Request{
		UserID:      userID,
		OrgID:       auth.GetOrgID(ctx),
		Endpoint:    body.Endpoint,
		Model:       body.Model,
		System:      body.System,
		Messages:    body.Messages,
		Prompt:      body.Prompt,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Tags:        body.Tags,
	})
	if err != nil {
		h.writeDispatchError(w, err)
		return
	}

	if res.RecordErr != nil {
		w.Header().Set("X-Usage-Recorded", "false")
	}
	if res.Quota != nil && !res.Quota.Unlimited {
		w.Header().Set("X-Quota-Usage-Percentage", strconv.FormatFloat(res.Quota.UsagePercentage, 'f', 2, 64))
	}

	payload := map[string]interface{}{
		"id":       res.RequestID,
		"object":   "chat.completion",
		"model":    res.Model,
		"provider": res.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": res.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     res.PromptTokens,
			"completion_tokens": res.CompletionTokens,
			"total_tokens":      res.TotalTokens,
			"estimated":         res.UsageEstimated,
		},
		"cost": res.Cost,
	}
	if res.Quota != nil {
		q := map[string]interface{}{
			"tier":             res.Quota.TierID,
			"usage_percentage": res.Quota.UsagePercentage,
			"remaining_tokens": res.Quota.RemainingTokens,
			"over_allowance":   res.OverAllowance,
			"degraded":         res.Quota.Degraded,
		}
		if res.OverAllowance {
			q["warning"] = fmt.Sprintf("usage at %.2f%% of the monthly allowance", res.Quota.UsagePercentage)
		}
		payload["quota"] = q
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, err error) {
	var exceeded *quota.ExceededError
	var perr *provider.Error
	switch {
	case errors.As(err, &exceeded):
		body := map[string]interface{}{
			"error":  "limit reached",
			"reason": exceeded.Reason,
		}
		if q := exceeded.Result; q != nil {
			body["tier"] = q.TierID
			body["usage_percentage"] = q.UsagePercentage
			body["period_end"] = q.PeriodEnd
		}
		writeJSON(w, http.StatusTooManyRequests, body)
	case errors.Is(err, provider.ErrUnsupportedModel), errors.Is(err, provider.ErrEmptyRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":           err.Error(),
			"provider":        perr.Provider,
			"upstream_status": perr.StatusCode,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "provider timed out")
	default:
		h.log.Error("dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.gate.CheckQuota(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	userID, from, to, ok := h.reportParams(w, r)
	if !ok {
		return
	}
	s, err := h.reports.Summary(r.Context(), userID, from, to)
	if err != nil {
		h.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) HandleUsageSeries(w http.ResponseWriter, r *http.Request) {
	userID, from, to, ok := h.reportParams(w, r)
	if !ok {
		return
	}
	points, err := h.reports.Series(r.Context(), userID, from, to)
	if err != nil {
		h.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"from":    from,
		"to":      to,
		"points":  points,
	})
}

func (h *Handler) HandleUsageLogs(w http.ResponseWriter, r *http.Request) {
	userID, from, to, ok := h.reportParams(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err1 := atoiOrZero(q.Get("limit"))
	offset, err2 := atoiOrZero(q.Get("offset"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "limit and offset must be integers")
		return
	}

	page, err := h.reports.Table(r.Context(), userID, from, to,
		usage.Filters{Endpoint: q.Get("endpoint"), Model: q.Get("model")},
		usage.Pagination{Limit: limit, Offset: offset},
	)
	if err != nil {
		h.writeReportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// reportParams reads the caller and the from/to range (RFC3339, default the
// last 30 days, at most maxReportDays).
func (h *Handler) reportParams(w http.ResponseWriter, r *http.Request) (string, time.Time, time.Time, bool) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", time.Time{}, time.Time{}, false
	}

	now := h.clock.Now()
	from := now.Add(-defaultReportWindow)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return "", time.Time{}, time.Time{}, false
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return "", time.Time{}, time.Time{}, false
		}
		to = t
	}
	from, to = from.UTC(), to.UTC()
	if to.Unix()-from.Unix() > maxReportDays*24*60*60 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("range must not exceed %d days", maxReportDays))
		return "", time.Time{}, time.Time{}, false
	}
	return userID, from, to, true
}

func (h *Handler) writeReportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, usage.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, usage.ErrStoreUnavailable):
		h.log.Warn("usage report unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "usage store unavailable")
	default:
		h.log.Error("usage report failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
