package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/auth"
	"github.com/vnmchuo/ai-metering/internal/clock"
	"github.com/vnmchuo/ai-metering/internal/events"
	"github.com/vnmchuo/ai-metering/internal/metrics"
	"github.com/vnmchuo/ai-metering/internal/pricing"
	"github.com/vnmchuo/ai-metering/internal/provider"
	"github.com/vnmchuo/ai-metering/internal/quota"
	"github.com/vnmchuo/ai-metering/internal/tier"
	"github.com/vnmchuo/ai-metering/internal/tokens"
	"github.com/vnmchuo/ai-metering/internal/usage"
)

const DefaultReservationTokens = 1000

type QuotaChecker interface {
	CheckQuota(ctx context.Context, userID string) (*quota.Result, error)
}

type UsageRecorder interface {
	Record(ctx context.Context, e *usage.Entry) error
}

// Result is what a successful dispatch returns to the caller.
type Result struct {
	RequestID        string
	Content          string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
	// UsageEstimated is set when the provider omitted usage and counts were
	// derived from text length.
	UsageEstimated bool
	Quota          *quota.Result
	// OverAllowance is set for warn-policy users past their allowance.
	OverAllowance bool
	EntryID       string
	// RecordErr is the ledger write failure, if any. The content is still valid.
	RecordErr error
}

type Deps struct {
	Router     *Router
	Gate       QuotaChecker
	Reserver   quota.Reserver
	Recorder   UsageRecorder
	Calculator *pricing.Calculator
	Events     events.Publisher
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Tracer     trace.Tracer
	Clock      clock.Clock
	// ReservationTokens is the completion budget reserved when a request has
	// no max_tokens.
	ReservationTokens int
}

// Dispatcher runs one metered call: resolve, gate, reserve, call, record.
type Dispatcher struct {
	router            *Router
	gate              QuotaChecker
	reserver          quota.Reserver
	recorder          UsageRecorder
	calculator        *pricing.Calculator
	events            events.Publisher
	metrics           *metrics.Metrics
	log               *zap.Logger
	tracer            trace.Tracer
	clock             clock.Clock
	reservationTokens int
}

func NewDispatcher(d Deps) *Dispatcher {
	disp := &Dispatcher{
		router:            d.Router,
		gate:              d.Gate,
		reserver:          d.Reserver,
		recorder:          d.Recorder,
		calculator:        d.Calculator,
		events:            d.Events,
		metrics:           d.Metrics,
		log:               d.Logger,
		tracer:            d.Tracer,
		clock:             d.Clock,
		reservationTokens: d.ReservationTokens,
	}
	if disp.reserver == nil {
		disp.reserver = quota.SoftLimitReserver{}
	}
	if disp.calculator == nil {
		disp.calculator = pricing.NewCalculator(pricing.MustDefaultTable())
	}
	if disp.events == nil {
		disp.events = events.Discard{}
	}
	if disp.log == nil {
		disp.log = zap.NewNop()
	}
	disp.log = disp.log.Named("dispatcher")
	if disp.tracer == nil {
		disp.tracer = noop.NewTracerProvider().Tracer("dispatcher")
	}
	if disp.clock == nil {
		disp.clock = clock.SystemClock{}
	}
	if disp.reservationTokens <= 0 {
		disp.reservationTokens = DefaultReservationTokens
	}
	return disp
}

func (d *Dispatcher) Dispatch(ctx context.Context, req *provider.Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Endpoint == "" {
		req.Endpoint = provider.DefaultEndpoint
	}
	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
		attribute.String("endpoint", req.Endpoint),
	)

	base := events.Event{RequestID: requestID, UserID: req.UserID, OrgID: req.OrgID, Model: req.Model}

	p, err := d.router.Route(req.Model)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	base.Provider = p.Name()
	span.SetAttributes(attribute.String("provider", p.Name()))

	q, err := d.gate.CheckQuota(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Float64("quota.usage_pct", q.UsagePercentage), attribute.Bool("quota.degraded", q.Degraded))

	if q.HardBlocked {
		d.emit(base, events.CallBlocked, map[string]any{"reason": q.Reason(), "usage_pct": q.UsagePercentage})
		span.SetStatus(codes.Error, "quota exceeded")
		return nil, &quota.ExceededError{Result: q, Reason: q.Reason()}
	}

	promptEstimate := tokens.EstimateAll(req.PromptText()...)
	reservation, err := d.reserve(ctx, req, q, promptEstimate)
	if err != nil {
		if errors.Is(err, quota.ErrReservationRejected) {
			d.emit(base, events.CallBlocked, map[string]any{"reason": "reservation rejected"})
			span.SetStatus(codes.Error, "quota exceeded")
			return nil, &quota.ExceededError{Result: q, Reason: "monthly token allowance taken by calls in flight"}
		}
		return nil, err
	}

	d.emit(base, events.CallAdmitted, nil)

	start := d.clock.Now()
	resp, err := d.router.Execute(ctx, req, p)
	elapsed := d.clock.Now().Sub(start)
	if err != nil {
		if rerr := reservation.Release(context.WithoutCancel(ctx)); rerr != nil {
			d.log.Warn("failed to release reservation", zap.String("request_id", requestID), zap.Error(rerr))
		}
		d.metrics.Call(p.Name(), req.Model, metrics.StatusError, elapsed, 0, 0, 0)
		d.emit(base, events.CallFailed, map[string]any{"error": err.Error(), "latency_ms": elapsed.Milliseconds()})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &Result{
		RequestID:     requestID,
		Content:       resp.Content,
		Model:         resp.Model,
		Provider:      p.Name(),
		Quota:         q,
		OverAllowance: !q.WithinAllowance && !q.Degraded,
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	if resp.Usage != nil {
		res.PromptTokens = resp.Usage.PromptTokens
		res.CompletionTokens = resp.Usage.CompletionTokens
	} else {
		res.PromptTokens = promptEstimate
		res.CompletionTokens = tokens.Estimate(resp.Content)
		res.UsageEstimated = true
	}
	res.TotalTokens = res.PromptTokens + res.CompletionTokens
	res.Cost = d.calculator.Cost(req.Model, res.PromptTokens, res.CompletionTokens)

	entry := &usage.Entry{
		UserID:           req.UserID,
		OrgID:            req.OrgID,
		Endpoint:         req.Endpoint,
		Model:            req.Model,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		Cost:             res.Cost,
		Metadata:         d.metadata(req, res, elapsed),
	}
	// Ledger rows survive client disconnects.
	recordCtx := context.WithoutCancel(ctx)
	if err := d.recorder.Record(recordCtx, entry); err != nil {
		res.RecordErr = err
		d.log.Error("failed to record usage",
			zap.String("request_id", requestID),
			zap.String("user_id", req.UserID),
			zap.String("model", req.Model),
			zap.Int("total_tokens", res.TotalTokens),
			zap.Float64("cost", res.Cost),
			zap.Error(err),
		)
		d.metrics.LedgerFailure()
		d.emit(base, events.LedgerWriteFailed, map[string]any{"error": err.Error(), "total_tokens": res.TotalTokens})
	} else {
		res.EntryID = entry.ID
		d.emit(base, events.CallLogged, map[string]any{
			"total_tokens": res.TotalTokens,
			"cost":         res.Cost,
			"latency_ms":   elapsed.Milliseconds(),
		})
	}

	if err := reservation.Commit(recordCtx, int64(res.TotalTokens)); err != nil {
		d.log.Warn("failed to commit reservation", zap.String("request_id", requestID), zap.Error(err))
	}
	d.metrics.Call(p.Name(), req.Model, metrics.StatusSuccess, elapsed, res.PromptTokens, res.CompletionTokens, res.Cost)

	span.SetAttributes(
		attribute.Int("tokens.prompt", res.PromptTokens),
		attribute.Int("tokens.completion", res.CompletionTokens),
		attribute.Float64("cost", res.Cost),
	)
	return res, nil
}

// reserve holds prompt + completion budget for block-policy tiers with a
// finite allowance. Every other case gets a no-op reservation.
func (d *Dispatcher) reserve(ctx context.Context, req *provider.Request, q *quota.Result, promptEstimate int) (quota.Reservation, error) {
	if q.Degraded || q.Unlimited || q.Policy != tier.PolicyBlock {
		return quota.SoftLimitReserver{}.Reserve(ctx, quota.ReserveRequest{})
	}
	completion := req.MaxTokens
	if completion <= 0 {
		completion = d.reservationTokens
	}
	return d.reserver.Reserve(ctx, quota.ReserveRequest{
		UserID:      req.UserID,
		PeriodStart: q.PeriodStart,
		PeriodEnd:   q.PeriodEnd,
		Allowance:   q.Allowance,
		Used:        q.TokensUsed,
		Estimate:    int64(promptEstimate + completion),
	})
}

func (d *Dispatcher) metadata(req *provider.Request, res *Result, elapsed time.Duration) map[string]any {
	meta := map[string]any{
		"latency_ms":      elapsed.Milliseconds(),
		"quota_usage_pct": res.Quota.UsagePercentage,
		"provider":        res.Provider,
		"request_id":      res.RequestID,
		"usage_estimated": res.UsageEstimated,
	}
	if res.Model != req.Model {
		meta["provider_model"] = res.Model
	}
	if len(req.Tags) > 0 {
		meta["tags"] = req.Tags
	}
	return meta
}

func (d *Dispatcher) emit(base events.Event, kind events.Kind, fields map[string]any) {
	base.Kind = kind
	base.At = d.clock.Now()
	base.Fields = fields
	d.events.Emit(base)
}
