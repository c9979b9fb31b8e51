// Package activity follows call sessions through the lifecycle events on the
// bus and reports how many are in each phase.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/orator/internal/bus"
	"github.com/loqalabs/orator/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Phase is the last lifecycle event seen for a session.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseUploaded  Phase = "uploaded"
	PhaseEnded     Phase = "ended"
	PhaseEvaluated Phase = "evaluated"
	PhaseFailed    Phase = "failed"
)

var phaseBySubject = map[string]Phase{
	protocol.SubjectSessionStarted:  PhaseStarted,
	protocol.SubjectSessionUploaded: PhaseUploaded,
	protocol.SubjectSessionEnded:    PhaseEnded,
	protocol.SubjectFeedbackReady:   PhaseEvaluated,
	protocol.SubjectFeedbackFailed:  PhaseFailed,
}

// SessionInfo is the tracked view of one session.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	UserID    int64     `json:"userId,omitempty"`
	Phase     Phase     `json:"phase"`
	Model     string    `json:"transcriptionModel,omitempty"`
	LastSeen  time.Time `json:"lastSeen"`
}

// eventEnvelope covers the fields shared by session and feedback events.
type eventEnvelope struct {
	SessionID          string    `json:"session_id"`
	UserID             int64     `json:"user_id"`
	TranscriptionModel string    `json:"transcription_model"`
	Timestamp          time.Time `json:"timestamp"`
}

type Tracker struct {
	bus      *bus.Client
	log      *slog.Logger
	ttl      time.Duration
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	meter    metric.Meter
	clock    func() time.Time
}

// NewTracker subscribes to lifecycle events. Sessions not heard from within
// ttl are forgotten.
func NewTracker(ctx context.Context, busClient *bus.Client, ttl time.Duration, log *slog.Logger) (*Tracker, error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		bus:      busClient,
		log:      log.With(slog.String("component", "activity")),
		ttl:      ttl,
		sessions: make(map[string]*SessionInfo),
		meter:    otel.Meter("github.com/loqalabs/orator/activity"),
		cancel:   cancel,
		clock:    time.Now,
	}

	if err := t.initMetrics(); err != nil {
		t.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := t.subscribe(); err != nil {
		t.cancel()
		return nil, err
	}

	if ttl > 0 {
		go t.expire(ctx)
	}
	return t, nil
}

func (t *Tracker) Close() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	for _, sub := range t.subs {
		_ = sub.Drain()
	}
}

func (t *Tracker) subscribe() error {
	conn := t.bus.Conn()
	for _, pattern := range []string{"session.*", "feedback.*"} {
		sub, err := conn.Subscribe(t.bus.Subject(pattern), t.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", pattern, err)
		}
		t.subs = append(t.subs, sub)
	}
	return conn.Flush()
}

func (t *Tracker) handle(msg *nats.Msg) {
	name := msg.Subject
	if prefix := t.bus.Subject(""); len(name) >= len(prefix) {
		name = name[len(prefix):]
	}
	phase, ok := phaseBySubject[name]
	if !ok {
		return
	}
	var ev eventEnvelope
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.log.Warn("invalid lifecycle event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if ev.SessionID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.clock().UTC()
	}
	t.update(ev, phase)
}

func (t *Tracker) update(ev eventEnvelope, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.sessions[ev.SessionID]
	if !ok {
		info = &SessionInfo{SessionID: ev.SessionID}
		t.sessions[ev.SessionID] = info
	}
	if ev.UserID != 0 {
		info.UserID = ev.UserID
	}
	if ev.TranscriptionModel != "" {
		info.Model = ev.TranscriptionModel
	}
	info.Phase = phase
	info.LastSeen = ev.Timestamp
}

func (t *Tracker) expire(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evict()
		}
	}
}

func (t *Tracker) evict() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	for id, info := range t.sessions {
		if now.Sub(info.LastSeen) > t.ttl {
			delete(t.sessions, id)
		}
	}
}

// Query returns tracked sessions matching filter, most recent first.
func (t *Tracker) Query(filter func(SessionInfo) bool) []SessionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := []SessionInfo{}
	for _, info := range t.sessions {
		snapshot := *info
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].LastSeen.After(results[j].LastSeen) })
	return results
}

// Counts reports the number of tracked sessions per phase.
func (t *Tracker) Counts() map[Phase]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[Phase]int64, len(phaseBySubject))
	for _, info := range t.sessions {
		out[info.Phase]++
	}
	return out
}

func WithPhase(phase Phase) func(SessionInfo) bool {
	return func(info SessionInfo) bool { return info.Phase == phase }
}

func (t *Tracker) initMetrics() error {
	if t.meter == nil {
		return nil
	}
	gauge, err := t.meter.Int64ObservableGauge("orator.sessions.tracked", metric.WithDescription("Sessions by last lifecycle phase"))
	if err != nil {
		return err
	}
	_, err = t.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for phase, n := range t.Counts() {
			obs.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("phase", string(phase))))
		}
		return nil
	}, gauge)
	return err
}
