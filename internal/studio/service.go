package studio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/bus"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/protocol"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"
)

const requestTimeout = 45 * time.Second

// Service bridges the studio onto the bus: it answers synthesize requests
// and mirrors playback state changes.
type Service struct {
	bus    *bus.Client
	studio *Studio
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, st *Studio, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		studio: st,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "studio-bridge")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesizeRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub

	states := s.studio.Tracker().Watch(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for st := range states {
			s.publishPlayback(st)
		}
	}()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesize request", slogError(err))
		s.respond(msg, protocol.SynthesisReply{Error: "invalid request payload", ErrorKind: "decode"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(WithSource(s.ctx, "bus"), requestTimeout)
		defer cancel()

		gen, err := s.studio.Generate(ctx, paramsFrom(req))
		if err != nil {
			s.respond(msg, replyForError(err))
			return
		}
		if req.Autoplay {
			if err := s.studio.Tracker().Play(); err != nil {
				s.logger.Warn("autoplay did not start", slogError(err))
			}
		}
		s.respond(msg, protocol.SynthesisReply{
			RequestID:   gen.RequestID,
			Generation:  gen.Generation,
			ResourceURL: gen.ResourceURL,
			MIMEType:    gen.MIMEType,
		})
	}()
}

func paramsFrom(req protocol.SynthesizeRequest) tts.Params {
	rate := tts.DefaultSpeechRate
	if req.SpeechRate != nil {
		rate = *req.SpeechRate
	}
	return tts.Params{
		Text:           req.Text,
		VoiceID:        req.VoiceID,
		Engine:         tts.Engine(req.Engine),
		OutputFormat:   tts.OutputFormat(req.Format),
		SpeechRate:     rate,
		PitchSemitones: req.Pitch,
	}
}

func replyForError(err error) protocol.SynthesisReply {
	reply := protocol.SynthesisReply{Error: err.Error()}
	var (
		ve *tts.ValidationError
		se *tts.SynthesisError
	)
	switch {
	case errors.As(err, &ve):
		reply.ErrorKind = string(ve.Kind)
	case errors.As(err, &se):
		reply.Error = se.Message
		reply.ErrorKind = string(se.Kind)
		reply.HTTPStatus = se.HTTPStatus
	case errors.Is(err, ErrBusy):
		reply.ErrorKind = "busy"
	case errors.Is(err, ErrSuperseded):
		reply.ErrorKind = "superseded"
	}
	return reply
}

func (s *Service) respond(msg *nats.Msg, reply protocol.SynthesisReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send synthesis reply", slogError(err))
	}
}

func (s *Service) publishPlayback(st playback.PlaybackState) {
	evt := protocol.PlaybackEvent{
		State:      st.State.String(),
		IsPlaying:  st.IsPlaying,
		Position:   st.PositionSeconds,
		Duration:   st.DurationSeconds,
		Volume:     st.Volume,
		Generation: st.Generation,
		RequestID:  st.RequestID,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.bus.Publish(protocol.SubjectPlaybackState, evt); err != nil {
		s.logger.Warn("failed to publish playback state", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
