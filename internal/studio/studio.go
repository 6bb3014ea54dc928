// Package studio is the controller behind the HTTP API, the CLI and the bus
// bridge: it turns user parameters into a playable resource owned by the
// playback tracker.
package studio

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/eventstore"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/observe"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/protocol"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/voice"
)

var (
	// ErrBusy is returned while another synthesis call is in flight.
	ErrBusy = errors.New("studio: a synthesis request is already in progress")
	// ErrSuperseded is returned when the player moved to another resource
	// before the synthesis call resolved. The late result is released.
	ErrSuperseded = errors.New("studio: synthesis result superseded by a newer resource")
)

// Status values recorded for each attempt.
const (
	StatusOK         = "ok"
	StatusValidation = "validation"
	StatusSuperseded = "superseded"
	StatusError      = "error"
)

// History records synthesis attempts.
type History interface {
	Append(ctx context.Context, e eventstore.Entry) (int64, error)
	List(ctx context.Context, limit int) ([]eventstore.Entry, error)
}

// Publisher broadcasts studio events.
type Publisher interface {
	Publish(subject string, v any) error
}

// Generation describes a resource loaded into the player.
type Generation struct {
	RequestID   string `json:"requestId"`
	Generation  uint64 `json:"generation"`
	ResourceURL string `json:"resourceUrl"`
	MIMEType    string `json:"mimeType"`
	Inline      bool   `json:"inline"`
}

type Option func(*Studio)

func WithHistory(h History) Option {
	return func(s *Studio) { s.history = h }
}

func WithPublisher(p Publisher) Option {
	return func(s *Studio) { s.pub = p }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Studio) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Studio) { s.logger = l }
}

// WithShape labels metrics and history with the backend shape.
func WithShape(shape string) Option {
	return func(s *Studio) { s.shape = shape }
}

type Studio struct {
	synth   tts.Synthesizer
	voices  *voice.Loader
	builder *tts.Builder
	tracker *playback.Tracker

	history History
	pub     Publisher
	metrics *observe.Metrics
	logger  *slog.Logger
	shape   string
	now     func() time.Time

	inflight atomic.Bool
}

func New(synth tts.Synthesizer, voices *voice.Loader, tracker *playback.Tracker, opts ...Option) *Studio {
	s := &Studio{
		synth:   synth,
		voices:  voices,
		builder: tts.NewBuilder(voices),
		tracker: tracker,
		logger:  slog.Default(),
		shape:   string(tts.ShapeGateway),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "studio"))
	return s
}

func (s *Studio) Tracker() *playback.Tracker { return s.tracker }

// Busy reports whether a synthesis call is in flight.
func (s *Studio) Busy() bool { return s.inflight.Load() }

func (s *Studio) Voices() *voice.Catalog { return s.voices.Catalog() }

// RefreshVoices reloads the catalog. A failed reload keeps an active remote
// catalog.
func (s *Studio) RefreshVoices(ctx context.Context) *voice.Catalog {
	return s.voices.Refresh(ctx)
}

// History returns recent attempts, newest first. It is empty without a
// history store.
func (s *Studio) History(ctx context.Context, limit int) ([]eventstore.Entry, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, limit)
}

// Clear empties the player, releasing its resource.
func (s *Studio) Clear() error {
	_, err := s.tracker.SetResource(nil)
	return err
}

// Generate validates p, performs one synthesis call and hands the resulting
// resource to the tracker. Only one call may be in flight; others fail with
// ErrBusy instead of queueing.
func (s *Studio) Generate(ctx context.Context, p tts.Params) (Generation, error) {
	if !s.inflight.CompareAndSwap(false, true) {
		return Generation{}, ErrBusy
	}
	defer s.inflight.Store(false)

	att := attempt{
		Entry: eventstore.Entry{
			VoiceID:      p.VoiceID,
			Engine:       string(p.Engine),
			OutputFormat: string(p.OutputFormat),
			TextChars:    tts.TextLength(p.Text),
			Source:       SourceFrom(ctx),
		},
	}

	req, err := s.builder.Build(p)
	if err != nil {
		var ve *tts.ValidationError
		if errors.As(err, &ve) && s.metrics != nil {
			s.metrics.RecordValidationFailure(ctx, string(ve.Kind))
		}
		att.Status = StatusValidation
		att.Error = err.Error()
		s.record(ctx, att)
		return Generation{}, err
	}
	att.Engine = string(req.Engine)
	att.OutputFormat = string(req.OutputFormat)

	startGen := s.tracker.Generation()
	start := s.now()
	res, err := s.synth.Synthesize(ctx, req)
	att.LatencyMS = s.now().Sub(start).Milliseconds()
	if err != nil {
		att.Status = StatusError
		att.Error = err.Error()
		var se *tts.SynthesisError
		if errors.As(err, &se) {
			att.Status = string(se.Kind)
			att.Error = se.Message
			att.HTTPStatus = se.HTTPStatus
		}
		s.observeSynthesis(ctx, att)
		s.record(ctx, att)
		s.logger.Warn("synthesis failed",
			slog.String("voice", req.VoiceID),
			slog.String("status", att.Status),
			slog.String("error", err.Error()))
		return Generation{}, err
	}
	att.RequestID = res.RequestID
	att.MIMEType = res.MIMEType

	gen, ok, err := s.tracker.SetResourceIf(startGen, res.Resource)
	if err != nil {
		att.Status = StatusError
		att.Error = err.Error()
		s.record(ctx, att)
		return Generation{}, err
	}
	att.Generation = gen
	if !ok {
		att.Status = StatusSuperseded
		s.observeSynthesis(ctx, att)
		s.record(ctx, att)
		s.logger.Info("discarding superseded synthesis result",
			slog.String("request_id", res.RequestID),
			slog.Uint64("started_generation", startGen),
			slog.Uint64("generation", gen))
		return Generation{}, ErrSuperseded
	}

	att.Status = StatusOK
	s.observeSynthesis(ctx, att)
	s.record(ctx, att)
	s.logger.Info("synthesis loaded",
		slog.String("request_id", res.RequestID),
		slog.Uint64("generation", gen),
		slog.Bool("inline", res.Inline),
		slog.Int64("latency_ms", att.LatencyMS))

	return Generation{
		RequestID:   res.RequestID,
		Generation:  gen,
		ResourceURL: res.Resource.URL(),
		MIMEType:    res.MIMEType,
		Inline:      res.Inline,
	}, nil
}

type attempt struct {
	eventstore.Entry
	Generation uint64
}

func (s *Studio) observeSynthesis(ctx context.Context, att attempt) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSynthesis(ctx, s.shape, att.Status, float64(att.LatencyMS)/1000)
}

// record stores and publishes att. Failures are logged, never returned.
func (s *Studio) record(ctx context.Context, att attempt) {
	att.CreatedAt = s.now().UTC()
	if s.history != nil {
		if _, err := s.history.Append(context.WithoutCancel(ctx), att.Entry); err != nil {
			s.logger.Warn("failed to record history entry", slog.String("error", err.Error()))
		}
	}
	if s.pub != nil {
		evt := protocol.SynthesisEvent{
			RequestID:  att.RequestID,
			VoiceID:    att.VoiceID,
			Engine:     att.Engine,
			Format:     att.OutputFormat,
			TextChars:  att.TextChars,
			Source:     att.Source,
			Status:     att.Status,
			Error:      att.Error,
			HTTPStatus: att.HTTPStatus,
			LatencyMS:  att.LatencyMS,
			Generation: att.Generation,
			Timestamp:  att.CreatedAt,
		}
		if err := s.pub.Publish(protocol.SubjectSynthesisEvent, evt); err != nil {
			s.logger.Warn("failed to publish synthesis event", slog.String("error", err.Error()))
		}
	}
}

type sourceKey struct{}

// WithSource tags ctx with the surface that triggered a generation, for
// example "http", "cli" or "bus".
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the tag set by WithSource, or "api".
func SourceFrom(ctx context.Context) string {
	if v, ok := ctx.Value(sourceKey{}).(string); ok && v != "" {
		return v
	}
	return "api"
}
