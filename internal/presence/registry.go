// Package presence announces this studio on the bus and tracks which other
// studios are alive.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/bus"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/config"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/protocol"
)

// Peer is a studio seen on the bus, including this one.
type Peer struct {
	NodeID       string    `json:"nodeId"`
	BackendShape string    `json:"backendShape,omitempty"`
	VoiceSource  string    `json:"voiceSource,omitempty"`
	Voices       int       `json:"voices"`
	Version      string    `json:"version,omitempty"`
	Busy         bool      `json:"busy"`
	LastSeen     time.Time `json:"lastSeen"`
	Healthy      bool      `json:"healthy"`
	Self         bool      `json:"self"`
}

// Local supplies what this studio advertises.
type Local struct {
	BackendShape string
	Version      string
	// Describe is called on every announce; it returns the voice catalog
	// source and size.
	Describe func() (source string, voices int)
	// Busy reports whether a synthesis is in flight.
	Busy func() bool
}

type Registry struct {
	cfg   config.BusConfig
	local Local
	id    string
	log   *slog.Logger
	bus   *bus.Client
	now   func() time.Time

	mu    sync.RWMutex
	peers map[string]*Peer

	cancel context.CancelFunc
	done   sync.WaitGroup
	subs   []*nats.Subscription
}

// Start subscribes to presence traffic, announces this node and starts the
// heartbeat and health loops. A nil meter disables the peer gauge.
func Start(ctx context.Context, cfg config.BusConfig, busClient *bus.Client, local Local, meter metric.Meter, log *slog.Logger) (*Registry, error) {
	id := strings.TrimSpace(cfg.NodeID)
	if id == "" {
		id = "studio-" + uuid.NewString()[:8]
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		id:     id,
		log:    log.With(slog.String("component", "presence"), slog.String("node_id", id)),
		bus:    busClient,
		now:    time.Now,
		peers:  make(map[string]*Peer),
		cancel: cancel,
	}

	if meter != nil {
		if err := r.initMetrics(meter); err != nil {
			r.log.Warn("failed to initialize presence metrics", slogError(err))
		}
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce studio", slogError(err))
	}

	r.done.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

// ID is this studio's node id.
func (r *Registry) ID() string { return r.id }

func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.cancel()
	r.done.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectStudioAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectStudioHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	// Announcements must be routed before we publish our own.
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.done.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.done.Done()
	interval := time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.StudioAnnounce{
		NodeID:       r.id,
		BackendShape: r.local.BackendShape,
		Version:      r.local.Version,
		Timestamp:    r.now().UTC(),
	}
	if r.local.Describe != nil {
		msg.VoiceSource, msg.Voices = r.local.Describe()
	}
	return r.bus.Publish(protocol.SubjectStudioAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.StudioHeartbeat{NodeID: r.id, Timestamp: r.now().UTC()}
	if r.local.Busy != nil {
		msg.Busy = r.local.Busy()
	}
	return r.bus.Publish(protocol.SubjectStudioHeartbeatPrefix+r.id, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.StudioAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid studio announce", slog.String("subject", msg.Subject))
		return
	}
	discovered := r.update(a.NodeID, a.Timestamp, func(p *Peer) {
		p.BackendShape = a.BackendShape
		p.VoiceSource = a.VoiceSource
		p.Voices = a.Voices
		p.Version = a.Version
	})

	// A newcomer has not heard our announce yet. Only new peers trigger a
	// reply so two studios stop after one exchange.
	if discovered {
		if err := r.announce(); err != nil {
			r.log.Debug("announce reply failed", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.StudioHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid studio heartbeat", slog.String("subject", msg.Subject))
		return
	}
	r.update(hb.NodeID, hb.Timestamp, func(p *Peer) { p.Busy = hb.Busy })
}

// update records a sighting and reports whether nodeID is a newly seen
// remote peer.
func (r *Registry) update(nodeID string, ts time.Time, fn func(*Peer)) bool {
	if ts.IsZero() {
		ts = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[nodeID]
	if !ok {
		p = &Peer{NodeID: nodeID, Self: nodeID == r.id}
		r.peers[nodeID] = p
		if !p.Self {
			r.log.Info("studio peer discovered", slog.String("peer", nodeID))
		}
	}
	fn(p)
	p.LastSeen = ts
	p.Healthy = true
	return !ok && !p.Self
}

func (r *Registry) evaluateHealth() {
	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Healthy && now.Sub(p.LastSeen) > timeout {
			p.Healthy = false
			r.log.Warn("studio peer missed heartbeats", slog.String("peer", p.NodeID))
		}
	}
}

// Healthy reports whether this node's own heartbeats are making the round
// trip through the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[r.id]
	return ok && p.Healthy
}

// Peers returns every known studio sorted by node id.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("polly.studio.peers",
		metric.WithDescription("Studios currently considered healthy on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		var healthy int64
		for _, p := range r.peers {
			if p.Healthy {
				healthy++
			}
		}
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
