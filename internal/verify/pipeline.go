// Package verify gates attendance writes behind a cached, rate-limited,
// timeout-protected call to the image analyzer.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"eventsync/internal/analyzer"
	"eventsync/internal/geofence"
	"eventsync/internal/model"
	"eventsync/internal/observability"
)

const DefaultTimeout = 45 * time.Second

// Analyzer extracts a VerificationResult from raw image bytes.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (model.VerificationResult, error)
}

// AttendanceSink durably marks attendance and notifies the room. It must be
// idempotent per (room, participant, key).
type AttendanceSink interface {
	RecordAttendance(ctx context.Context, room, participantID, key string) error
}

// Observer is told about every request that produced an analyzer result,
// accepted or not.
type Observer interface {
	Observe(ctx context.Context, req Request, out Outcome, err error)
}

// Request is one attendance check-in attempt.
type Request struct {
	Room          string
	ParticipantID string
	// Source partitions the rate limit within a room; defaults to ParticipantID.
	Source   string
	Day      int
	Session  int
	Image    []byte
	MimeType string
}

type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionDenied   Decision = "denied"
	DecisionRejected Decision = "rejected"
)

// Outcome describes what happened to a request. Result is nil when no
// analyzer result was obtained.
type Outcome struct {
	Hash          string                    `json:"hash"`
	Room          string                    `json:"room_id"`
	ParticipantID string                    `json:"participant_id"`
	SessionKey    string                    `json:"session_key,omitempty"`
	Decision      Decision                  `json:"decision"`
	Cached        bool                      `json:"cached"`
	Result        *model.VerificationResult `json:"result,omitempty"`
}

type Config struct {
	Campus  geofence.Fence
	Timeout time.Duration
}

// Pipeline runs hashing, cache lookup, rate limiting, the analyzer call and
// the campus decision. Cache and limiter are owned by the caller.
type Pipeline struct {
	analyzer  Analyzer
	cache     Cache
	limiter   Limiter
	sink      AttendanceSink
	campus    geofence.Fence
	timeout   time.Duration
	observers []Observer
	group     singleflight.Group
	tracer    trace.Tracer
}

func New(a Analyzer, cache Cache, limiter Limiter, sink AttendanceSink, cfg Config, observers ...Observer) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Pipeline{
		analyzer:  a,
		cache:     cache,
		limiter:   limiter,
		sink:      sink,
		campus:    cfg.Campus,
		timeout:   cfg.Timeout,
		observers: observers,
		tracer:    otel.Tracer("eventsync/verify"),
	}
}

// Hash is the cache key for an image: hex SHA-256 of the exact bytes.
func Hash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Verify runs one request to completion. Every outcome other than
// DecisionAccepted comes with a *Error.
func (p *Pipeline) Verify(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "verify.Verify", trace.WithAttributes(
		attribute.String("room", req.Room),
		attribute.String("participant", req.ParticipantID),
	))
	defer span.End()

	out, err := p.run(ctx, req)

	outcome := string(DecisionAccepted)
	var verr *Error
	if errors.As(err, &verr) {
		outcome = verr.Code
		span.SetStatus(codes.Error, verr.Code)
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Bool("cached", out.Cached))
	observability.IncVerifyOutcome(outcome)

	if out.Result != nil {
		for _, o := range p.observers {
			o.Observe(ctx, req, out, err)
		}
	}
	return out, err
}

func (p *Pipeline) run(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Room: req.Room, ParticipantID: req.ParticipantID, Decision: DecisionRejected}
	if req.Room == "" || req.ParticipantID == "" {
		return out, newError(KindValidation, CodeInvalidRequest, "room and participant are required", nil)
	}
	key, err := model.SessionKey(req.Day, req.Session)
	if err != nil {
		return out, newError(KindValidation, CodeInvalidRequest, "unknown day or session", err)
	}
	out.SessionKey = key
	if len(req.Image) == 0 {
		return out, newError(KindValidation, CodeMissingImage, "no image data", nil)
	}
	out.Hash = Hash(req.Image)

	res, cached, err := p.result(ctx, req, out.Hash)
	if err != nil {
		return out, err
	}
	out.Result, out.Cached = &res, cached
	return p.decide(ctx, req, out)
}

type flight struct {
	res    model.VerificationResult
	cached bool
}

// result answers from the cache or from a single shared analyzer call per
// hash.
func (p *Pipeline) result(ctx context.Context, req Request, hash string) (model.VerificationResult, bool, error) {
	if res, ok := p.lookup(ctx, hash); ok {
		return res, true, nil
	}
	v, err, _ := p.group.Do(hash, func() (any, error) {
		if res, ok := p.lookup(ctx, hash); ok {
			return flight{res: res, cached: true}, nil
		}
		res, err := p.call(ctx, req, hash)
		if err != nil {
			return nil, err
		}
		return flight{res: res}, nil
	})
	if err != nil {
		return model.VerificationResult{}, false, err
	}
	f := v.(flight)
	return f.res, f.cached, nil
}

func (p *Pipeline) lookup(ctx context.Context, hash string) (model.VerificationResult, bool) {
	res, ok, err := p.cache.Get(ctx, hash)
	if err != nil {
		log.Warn().Str("module", "verify").Err(err).Msg("cache read failed, treating as miss")
		return model.VerificationResult{}, false
	}
	if ok {
		observability.IncVerifyCacheHit()
	}
	return res, ok
}

func (p *Pipeline) call(ctx context.Context, req Request, hash string) (model.VerificationResult, error) {
	source := req.Source
	if source == "" {
		source = req.ParticipantID
	}
	ticket, ok, err := p.limiter.Allow(ctx, req.Room+":"+source)
	if err != nil {
		return model.VerificationResult{}, newError(KindServerFault, CodeServerError, "verification temporarily unavailable", err)
	}
	if !ok {
		return model.VerificationResult{}, newError(KindRateLimited, CodeRateLimited, "too many verification attempts, wait a minute and retry", nil)
	}

	// Shared by every caller waiting on this hash, so one caller going away
	// must not cancel it. The timeout still bounds it.
	base := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(base, p.timeout)
	defer cancel()

	callCtx, span := p.tracer.Start(callCtx, "verify.analyze")
	defer span.End()

	start := time.Now()
	res, err := p.analyzer.Analyze(callCtx, req.Image, req.MimeType)
	switch {
	case err == nil:
		observability.ObserveAnalyzer("ok", time.Since(start))
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		observability.ObserveAnalyzer("timeout", time.Since(start))
		span.SetStatus(codes.Error, CodeWakeUpTimeout)
		if rerr := p.limiter.Release(base, ticket); rerr != nil {
			log.Warn().Str("module", "verify").Err(rerr).Msg("limiter release failed")
		}
		return model.VerificationResult{}, newError(KindTransientNetwork, CodeWakeUpTimeout,
			"verification service is waking up, try again shortly", err)
	case errors.Is(err, analyzer.ErrServer):
		observability.ObserveAnalyzer("server_error", time.Since(start))
		span.SetStatus(codes.Error, CodeServerError)
		return model.VerificationResult{}, newError(KindServerFault, CodeServerError, "verification service returned an error", err)
	default:
		observability.ObserveAnalyzer("uplink_failure", time.Since(start))
		span.SetStatus(codes.Error, CodeUplinkFailure)
		return model.VerificationResult{}, newError(KindTransientNetwork, CodeUplinkFailure, "could not reach verification service", err)
	}

	if err := p.cache.Set(base, hash, res); err != nil {
		log.Warn().Str("module", "verify").Err(err).Msg("cache write failed")
	}
	return res, nil
}

func (p *Pipeline) decide(ctx context.Context, req Request, out Outcome) (Outcome, error) {
	res := *out.Result
	if !res.HasLocation() {
		return out, newError(KindValidation, CodeNoLocationData, "no capture location found in image", nil)
	}
	lat, lng := *res.Latitude, *res.Longitude
	if !p.campus.Contains(geofence.Point{Lat: lat, Lng: lng}) {
		out.Decision = DecisionDenied
		e := newError(KindPolicyDenial, CodeLocationDenied, "photo was taken outside the permitted area", nil)
		e.Lat, e.Lng = &lat, &lng
		return out, e
	}
	if err := p.sink.RecordAttendance(ctx, req.Room, req.ParticipantID, out.SessionKey); err != nil {
		return out, newError(KindServerFault, CodeServerError, "could not record attendance", err)
	}
	out.Decision = DecisionAccepted
	return out, nil
}
