// Package relay proxies a browser transcription stream to one upstream
// realtime connection per client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/orator/internal/config"
	"github.com/loqalabs/orator/internal/protocol"
	"github.com/loqalabs/orator/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"nhooyr.io/websocket"
)

// Close codes sent to the client.
const (
	StatusUpstreamError websocket.StatusCode = 4502
	StatusTimeout       websocket.StatusCode = 4408
)

var (
	ErrRelayUpstream = errors.New("relay upstream error")
	errClientClosed  = errors.New("client closed")
	errIdle          = errors.New("idle timeout")
	errLifetime      = errors.New("max lifetime reached")
)

// Upstream is the live side of a streaming transcription backend.
type Upstream interface {
	IssueToken(ctx context.Context) (string, error)
	OpenLive(ctx context.Context, token string) (*websocket.Conn, error)
}

// Provider resolves the upstream at connection time so configuration
// problems surface per connection.
type Provider func() (Upstream, error)

// Server accepts client connections on the relay route.
type Server struct {
	cfg      config.RelayConfig
	provider Provider
	recorder *telemetry.Recorder
	log      *slog.Logger
	slots    *semaphore.Weighted

	active  metric.Int64UpDownCounter
	frames  metric.Int64Counter
	upErrs  metric.Int64Counter
	current atomic.Int64
}

func New(cfg config.RelayConfig, provider Provider, recorder *telemetry.Recorder, log *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		recorder: recorder,
		log:      log.With(slog.String("component", "relay")),
	}
	if cfg.MaxConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	meter := otel.Meter("github.com/loqalabs/orator/relay")
	var err error
	if s.active, err = meter.Int64UpDownCounter("orator.relay.active", metric.WithDescription("Open relay connections")); err != nil {
		s.log.Warn("failed to create relay gauge", slog.String("error", err.Error()))
	}
	if s.frames, err = meter.Int64Counter("orator.relay.frames", metric.WithDescription("Frames forwarded by direction")); err != nil {
		s.log.Warn("failed to create relay counter", slog.String("error", err.Error()))
	}
	if s.upErrs, err = meter.Int64Counter("orator.relay.upstream_errors", metric.WithDescription("Upstream error frames and failures")); err != nil {
		s.log.Warn("failed to create relay counter", slog.String("error", err.Error()))
	}
	return s
}

// Active reports the number of open relay connections.
func (s *Server) Active() int64 { return s.current.Load() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	if len(s.cfg.AllowedOrigins) == 0 {
		opts.InsecureSkipVerify = true
	}
	client, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.log.Warn("accept failed", slog.String("error", err.Error()))
		return
	}
	if s.cfg.ReadLimitBytes > 0 {
		client.SetReadLimit(s.cfg.ReadLimitBytes)
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		_ = client.Close(websocket.StatusPolicyViolation, "Missing sessionId")
		return
	}
	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			_ = client.Close(websocket.StatusTryAgainLater, "relay at capacity")
			return
		}
		defer s.slots.Release(1)
	}

	s.serve(r.Context(), client, sessionID)
}

type pumpStats struct {
	up, down, upstreamErrors atomic.Int64
	last                     atomic.Int64
}

func (p *pumpStats) touch() { p.last.Store(time.Now().UnixNano()) }

// setupBacklog bounds the client frames held while the upstream is dialing.
const setupBacklog = 64

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

func (s *Server) serve(parent context.Context, client *websocket.Conn, sessionID string) {
	log := s.log.With(slog.String("session_id", sessionID))
	began := time.Now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.ms(s.cfg.MaxLifetime))
	defer cancel()

	// Reads and writes use a context that is never cancelled: a cancelled
	// operation would close the socket with its own status and mask the
	// relay close code. The watch goroutine enforces the lifetime instead.
	rctx := context.WithoutCancel(ctx)

	setup, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	inbox := make(chan inbound, setupBacklog)
	done := make(chan struct{})
	defer close(done)
	go readClient(rctx, client, inbox, done, abort)

	upstream, err := s.dial(setup, client)
	if err != nil {
		log.Warn("relay setup failed", slog.String("error", err.Error()))
		s.record(ctx, sessionID, began, nil, err)
		return
	}

	s.current.Add(1)
	if s.active != nil {
		s.active.Add(ctx, 1)
	}
	defer func() {
		s.current.Add(-1)
		if s.active != nil {
			s.active.Add(context.Background(), -1)
		}
	}()
	log.Info("relay opened")

	stats := &pumpStats{}
	stats.touch()

	var once sync.Once
	var cause error
	finish := func(err error) {
		once.Do(func() {
			cause = err
			s.closeBoth(client, upstream, err)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.forwardUp(rctx, inbox, upstream, stats)
		finish(err)
		return err
	})
	g.Go(func() error {
		err := s.forwardDown(rctx, upstream, client, stats)
		finish(err)
		return err
	})
	g.Go(func() error {
		err := s.watch(gctx, ctx, stats)
		if err != nil {
			finish(err)
		}
		return err
	})
	_ = g.Wait()

	log.Info("relay closed",
		slog.String("reason", reasonOf(cause)),
		slog.Int64("frames_up", stats.up.Load()),
		slog.Int64("frames_down", stats.down.Load()),
		slog.Duration("duration", time.Since(began)))
	s.record(ctx, sessionID, began, stats, cause)
}

// readClient is the only reader of the client socket. Its first error
// cancels setup so a client leaving mid-dial aborts the upstream handshake.
func readClient(ctx context.Context, client *websocket.Conn, out chan<- inbound, done <-chan struct{}, abort context.CancelCauseFunc) {
	for {
		typ, data, err := client.Read(ctx)
		if err != nil {
			err = fmt.Errorf("%w: %w", errClientClosed, err)
			abort(err)
			select {
			case out <- inbound{err: err}:
			case <-done:
			}
			return
		}
		select {
		case out <- inbound{typ: typ, data: data}:
		case <-done:
			return
		}
	}
}

// dial acquires a token and opens the upstream. On failure the client has
// already been closed with the matching code, unless it left on its own.
func (s *Server) dial(ctx context.Context, client *websocket.Conn) (*websocket.Conn, error) {
	up, err := s.provider()
	if err != nil {
		_ = client.Close(websocket.StatusInternalError, closeReason("token: "+err.Error()))
		return nil, fmt.Errorf("token: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, s.ms(s.cfg.TokenTimeout))
	token, err := up.IssueToken(tctx)
	cancel()
	if err != nil {
		if gone := clientGone(ctx); gone != nil {
			_ = client.CloseNow()
			return nil, gone
		}
		_ = client.Close(websocket.StatusInternalError, closeReason("token: "+err.Error()))
		return nil, fmt.Errorf("token: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, s.ms(s.cfg.DialTimeout))
	upstream, err := up.OpenLive(dctx, token)
	cancel()
	if err != nil {
		if gone := clientGone(ctx); gone != nil {
			_ = client.CloseNow()
			return nil, gone
		}
		s.count(ctx, s.upErrs)
		_ = client.Close(StatusUpstreamError, closeReason("upstream: "+err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrRelayUpstream, err)
	}
	if s.cfg.ReadLimitBytes > 0 {
		upstream.SetReadLimit(s.cfg.ReadLimitBytes)
	}
	return upstream, nil
}

func clientGone(setup context.Context) error {
	if cause := context.Cause(setup); errors.Is(cause, errClientClosed) {
		return cause
	}
	return nil
}

type direction string

const (
	directionUp   direction = "client_to_upstream"
	directionDown direction = "upstream_to_client"
)

// forwardUp writes client frames to the upstream until the client reader
// reports an error. Frame type and payload are forwarded untouched.
func (s *Server) forwardUp(ctx context.Context, inbox <-chan inbound, upstream *websocket.Conn, stats *pumpStats) error {
	for msg := range inbox {
		if msg.err != nil {
			return msg.err
		}
		stats.touch()
		stats.up.Add(1)
		s.countFrame(ctx, directionUp)
		if err := s.write(ctx, upstream, msg.typ, msg.data); err != nil {
			return fmt.Errorf("%w: %w", ErrRelayUpstream, err)
		}
	}
	return errClientClosed
}

// forwardDown copies upstream frames to the client, counting error frames.
func (s *Server) forwardDown(ctx context.Context, upstream, client *websocket.Conn, stats *pumpStats) error {
	for {
		typ, data, err := upstream.Read(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRelayUpstream, err)
		}
		stats.touch()
		stats.down.Add(1)
		if protocol.PeekType(data) == protocol.TypeError {
			stats.upstreamErrors.Add(1)
			s.count(ctx, s.upErrs)
		}
		s.countFrame(ctx, directionDown)
		if err := s.write(ctx, client, typ, data); err != nil {
			return fmt.Errorf("%w: %w", errClientClosed, err)
		}
	}
}

func (s *Server) write(ctx context.Context, c *websocket.Conn, typ websocket.MessageType, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.ms(s.cfg.CloseGrace)+5*time.Second)
	defer cancel()
	return c.Write(wctx, typ, data)
}

func (s *Server) countFrame(ctx context.Context, dir direction) {
	if s.frames != nil {
		s.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(dir))))
	}
}

// watch enforces the idle and lifetime bounds. It returns nil once the
// pumps have finished on their own.
func (s *Server) watch(gctx, lifetime context.Context, stats *pumpStats) error {
	idle := s.ms(s.cfg.IdleTimeout)
	tick := idle / 4
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-gctx.Done():
			if errors.Is(lifetime.Err(), context.DeadlineExceeded) {
				return errLifetime
			}
			return nil
		case <-ticker.C:
			if time.Since(time.Unix(0, stats.last.Load())) >= idle {
				return errIdle
			}
		}
	}
}

// closeBoth closes the side that did not fail, choosing the client close
// code from the cause. Each close is bounded by the close grace.
func (s *Server) closeBoth(client, upstream *websocket.Conn, cause error) {
	grace := s.ms(s.cfg.CloseGrace)
	var wg sync.WaitGroup
	closeWithin := func(c *websocket.Conn, code websocket.StatusCode, reason string) {
		defer wg.Done()
		done := make(chan struct{})
		go func() {
			_ = c.Close(code, closeReason(reason))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			_ = c.CloseNow()
		}
	}

	clientCode, clientReason := websocket.StatusNormalClosure, ""
	switch {
	case errors.Is(cause, errClientClosed):
		clientReason = "client closed"
	case errors.Is(cause, errIdle), errors.Is(cause, errLifetime):
		clientCode, clientReason = StatusTimeout, cause.Error()
	case errors.Is(cause, ErrRelayUpstream):
		if websocket.CloseStatus(cause) == websocket.StatusNormalClosure {
			clientReason = "upstream closed"
		} else {
			clientCode, clientReason = StatusUpstreamError, "upstream: "+upstreamDetail(cause)
		}
	}

	wg.Add(2)
	go closeWithin(upstream, websocket.StatusNormalClosure, "relay closing")
	go closeWithin(client, clientCode, clientReason)
	wg.Wait()
}

func upstreamDetail(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Reason != "" {
			return ce.Reason
		}
		return fmt.Sprintf("closed with status %d", ce.Code)
	}
	return strings.TrimPrefix(err.Error(), ErrRelayUpstream.Error()+": ")
}

func (s *Server) record(ctx context.Context, sessionID string, began time.Time, stats *pumpStats, cause error) {
	e := telemetry.Event{
		Level:     slog.LevelInfo,
		Category:  telemetry.CategoryExternal,
		Action:    "relay_closed",
		SessionID: sessionID,
		Duration:  time.Since(began),
		Metadata:  map[string]any{"reason": reasonOf(cause)},
	}
	if stats != nil {
		e.Metadata["frames_up"] = stats.up.Load()
		e.Metadata["frames_down"] = stats.down.Load()
		e.Metadata["upstream_errors"] = stats.upstreamErrors.Load()
	}
	if cause != nil && !errors.Is(cause, errClientClosed) && websocket.CloseStatus(cause) != websocket.StatusNormalClosure {
		e.Err = cause
	}
	s.recorder.Record(ctx, e)
}

func (s *Server) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func (s *Server) ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func reasonOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, errClientClosed):
		return "client_closed"
	case errors.Is(err, errIdle):
		return "idle"
	case errors.Is(err, errLifetime):
		return "lifetime"
	case errors.Is(err, ErrRelayUpstream):
		return "upstream"
	}
	return "error"
}

// closeReason trims reason to the 123 bytes a close frame can carry.
func closeReason(reason string) string {
	const max = 123
	if len(reason) <= max {
		return reason
	}
	r := []rune(reason)
	for len(string(r)) > max {
		r = r[:len(r)-1]
	}
	return string(r)
}
