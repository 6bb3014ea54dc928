// Package tts builds synthesis requests and talks to the remote synthesis
// backend.
//
// Two backend call shapes are supported and selected explicitly:
//
//   - ShapeGateway: POST {base}/synthesize, unauthenticated.
//   - ShapeFunction: POST {base}/text-to-speech and
//     GET {base}/text-to-speech/voices with a bearer token.
//
// Either shape may answer with raw audio or with a JSON envelope naming an
// audio URL; both are normalized into a Result owning a media.Handle.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/voice"
)

const (
	defaultTimeout = 30 * time.Second

	gatewaySynthesizePath  = "/synthesize"
	functionSynthesizePath = "/text-to-speech"
	functionVoicesPath     = "/text-to-speech/voices"

	acceptHeader = "audio/mpeg, application/json"
)

// Shape selects the backend call shape.
type Shape string

const (
	ShapeGateway  Shape = "gateway"
	ShapeFunction Shape = "function"
)

// Synthesizer is implemented by Client and MockSynth.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// Result is a successful synthesis. Resource is owned by the Result until
// its holder hands it to a playback tracker or releases it.
type Result struct {
	Resource  *media.Handle
	MIMEType  string
	RequestID string
	// Inline is true when the audio arrived in the response body.
	Inline bool
}

// Option configures a Client.
type Option func(*Client)

func WithShape(s Shape) Option {
	return func(c *Client) { c.shape = s }
}

// WithToken sets the bearer token sent by ShapeFunction.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client. Any timeout set earlier is lost.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBlobs sets the store used to wrap binary audio payloads.
func WithBlobs(store *media.BlobStore) Option {
	return func(c *Client) { c.blobs = store }
}

// WithRequestIDs overrides the generator used when the backend does not
// supply a request id.
func WithRequestIDs(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client calls the remote synthesis backend. It holds no per-call state and
// is safe for concurrent use.
type Client struct {
	baseURL    string
	shape      Shape
	token      string
	httpClient *http.Client
	blobs      *media.BlobStore
	newID      func() string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates a Client for baseURL. The default shape is ShapeGateway.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		shape:      ShapeGateway,
		httpClient: &http.Client{Timeout: defaultTimeout},
		newID:      uuid.NewString,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"),
	}
	for _, o := range opts {
		o(c)
	}
	switch c.shape {
	case ShapeGateway, ShapeFunction:
	default:
		return nil, fmt.Errorf("tts: unknown backend shape %q", c.shape)
	}
	if c.blobs == nil {
		c.blobs = media.NewBlobStore("")
	}
	c.logger = c.logger.With(slog.String("component", "tts-client"), slog.String("shape", string(c.shape)))
	return c, nil
}

func (c *Client) Shape() Shape { return c.shape }

type wireRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voiceId"`
	Engine       string `json:"engine,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
	SpeechRate   string `json:"speechRate,omitempty"`
	Pitch        string `json:"pitch,omitempty"`
}

func encodeRequest(req Request) ([]byte, error) {
	return json.Marshal(wireRequest{
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		Engine:       string(req.Engine),
		OutputFormat: string(req.OutputFormat),
		SpeechRate:   strconv.FormatFloat(req.SpeechRate, 'f', -1, 64),
		Pitch:        strconv.Itoa(req.PitchSemitones),
	})
}

func (c *Client) synthesizePath() string {
	if c.shape == ShapeFunction {
		return functionSynthesizePath
	}
	return gatewaySynthesizePath
}

// Synthesize performs exactly one network attempt for req. Every failure is
// a *SynthesisError. On success the Result owns a fresh media.Handle.
func (c *Client) Synthesize(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("tts.shape", string(c.shape)),
		attribute.String("tts.voice", req.VoiceID),
		attribute.String("tts.engine", string(req.Engine)),
		attribute.Int("tts.text_length", TextLength(req.Text)),
	))
	defer span.End()

	res, err := c.synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.String("tts.request_id", res.RequestID), attribute.Bool("tts.inline", res.Inline))
	return res, nil
}

func (c *Client) synthesize(ctx context.Context, req Request) (Result, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return Result{}, &SynthesisError{Kind: KindMalformed, Message: "could not encode request", Err: err}
	}
	path := c.synthesizePath()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Result{}, networkError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", acceptHeader)
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("synthesis request failed", slog.String("path", path), slog.String("error", err.Error()))
		return Result{}, networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := decodeError(resp)
		c.logger.Warn("synthesis rejected", slog.Int("status", resp.StatusCode), slog.String("message", serr.Message))
		return Result{}, serr
	}

	body, err := decodeResponse(resp)
	if err != nil {
		return Result{}, err
	}
	return c.toResult(body), nil
}

// toResult hands the decoded body to exactly one resource handle.
func (c *Client) toResult(body ResponseBody) Result {
	switch b := body.(type) {
	case Binary:
		id := b.RequestID
		if id == "" {
			id = c.newID()
		}
		h := c.blobs.Create(b.Data, b.MIMEType, id)
		return Result{Resource: h, MIMEType: b.MIMEType, RequestID: id, Inline: true}
	case Envelope:
		id := b.RequestID
		if id == "" {
			id = c.newID()
		}
		h := media.NewRemote(c.resolveURL(b.URL), b.MIMEType, id)
		return Result{Resource: h, MIMEType: b.MIMEType, RequestID: id}
	default:
		panic(fmt.Sprintf("tts: unexpected response body %T", body))
	}
}

// resolveURL makes envelope URLs relative to the backend absolute.
func (c *Client) resolveURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return raw
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

func (c *Client) authorize(r *http.Request) {
	if c.shape == ShapeFunction && c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

type wireVoice struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	Name         string `json:"name"`
	Gender       string `json:"gender"`
	Language     string `json:"language"`
	LanguageName string `json:"languageName"`
	LanguageCode string `json:"languageCode"`
}

func (w wireVoice) toVoice() voice.Voice {
	name := w.DisplayName
	if name == "" {
		name = w.Name
	}
	label := w.Language
	if label == "" {
		label = w.LanguageName
	}
	g := voice.Female
	if strings.EqualFold(w.Gender, string(voice.Male)) {
		g = voice.Male
	}
	return voice.Voice{ID: w.ID, DisplayName: name, Gender: g, LanguageLabel: label, LanguageCode: w.LanguageCode}
}

// ListVoices fetches the remote voice catalog. Only ShapeFunction exposes
// one; ShapeGateway returns ErrVoiceListingUnsupported.
func (c *Client) ListVoices(ctx context.Context) ([]voice.Voice, error) {
	if c.shape != ShapeFunction {
		return nil, ErrVoiceListingUnsupported
	}
	ctx, span := c.tracer.Start(ctx, "tts.list_voices")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+functionVoicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		serr := decodeError(resp)
		span.RecordError(serr)
		return nil, serr
	}

	var raw []wireVoice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &SynthesisError{Kind: KindMalformed, Message: "voice list is not a JSON array", Err: err}
	}
	voices := make([]voice.Voice, 0, len(raw))
	for _, w := range raw {
		voices = append(voices, w.toVoice())
	}
	span.SetAttributes(attribute.Int("tts.voices", len(voices)))
	return voices, nil
}

var _ Synthesizer = (*Client)(nil)
