// Command orator-stream plays a WAV recording through the realtime relay the
// way the browser recorder does, printing committed transcript segments as
// they arrive. With -api it also ends the call with the live transcript.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loqalabs/orator/internal/audio"
	"github.com/loqalabs/orator/internal/protocol"
	"github.com/loqalabs/orator/internal/transcript"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type options struct {
	relayURL   string
	apiBase    string
	sessionID  string
	file       string
	sampleRate int
	chunkMS    int
	pace       bool
	settle     time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.relayURL, "relay", "ws://localhost:8080/api/transcribe/ws", "Relay websocket URL")
	flag.StringVar(&opts.apiBase, "api", "", "API base URL; when set the call is ended with the live transcript")
	flag.StringVar(&opts.sessionID, "session", "", "Call session ID")
	flag.StringVar(&opts.file, "file", "", "WAV file to stream")
	flag.IntVar(&opts.sampleRate, "rate", 16000, "Sample rate sent upstream")
	flag.IntVar(&opts.chunkMS, "chunk-ms", 250, "Audio per frame in milliseconds")
	flag.BoolVar(&opts.pace, "realtime", true, "Pace frames at playback speed")
	flag.DurationVar(&opts.settle, "settle", 3*time.Second, "How long to wait for the final commit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if opts.sessionID == "" || opts.file == "" {
		fmt.Fprintln(os.Stderr, "usage: orator-stream -session <id> -file <recording.wav> [-relay url] [-api url]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	text, err := stream(ctx, opts, os.Stdout, logger)
	if err != nil {
		logger.Error("stream failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("stream finished", slog.Int("chars", len(text)))

	if opts.apiBase != "" {
		if err := endCall(ctx, opts.apiBase, opts.sessionID, text, os.Stdout); err != nil {
			logger.Error("end call failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
}

// stream sends the recording as input_audio_chunk frames, marking the last
// one as a commit, and returns the committed transcript.
func stream(ctx context.Context, opts options, out io.Writer, log *slog.Logger) (string, error) {
	f, err := os.Open(opts.file)
	if err != nil {
		return "", err
	}
	pcm, err := audio.DecodeWAVMono(f, opts.sampleRate)
	f.Close()
	if err != nil {
		return "", err
	}
	chunkBytes := opts.sampleRate * 2 * opts.chunkMS / 1000
	chunks := audio.Chunk(pcm, chunkBytes)
	if len(chunks) == 0 {
		return "", audio.ErrEmptyAudio
	}

	target := opts.relayURL + "?sessionId=" + url.QueryEscape(opts.sessionID)
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancelDial()
	if err != nil {
		return "", fmt.Errorf("dial relay: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)
	log.Info("relay connected", slog.String("session_id", opts.sessionID), slog.Int("chunks", len(chunks)))

	var (
		acc     transcript.Accumulator
		closing atomic.Bool
		updated = make(chan struct{}, 1)
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			var frame protocol.ServerFrame
			if err := wsjson.Read(gctx, conn, &frame); err != nil {
				if closing.Load() || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read relay: %w", err)
			}
			if frame.MessageType == protocol.TypeError {
				return fmt.Errorf("upstream: %s", frame.ErrorMessage())
			}
			if !acc.Apply(frame) {
				continue
			}
			if frame.IsCommitted() {
				fmt.Fprintln(out, frame.Content())
			}
			select {
			case updated <- struct{}{}:
			default:
			}
		}
	})

	g.Go(func() error {
		frameDur := time.Duration(opts.chunkMS) * time.Millisecond
		last := len(chunks) - 1
		var before int
		for i, chunk := range chunks {
			if i == last {
				before = acc.Segments()
			}
			if err := wsjson.Write(gctx, conn, protocol.NewAudioChunk(chunk, opts.sampleRate, i == last)); err != nil {
				return fmt.Errorf("send chunk %d: %w", i, err)
			}
			if opts.pace && i != last {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-time.After(frameDur):
				}
			}
		}

		timer := time.NewTimer(opts.settle)
		defer timer.Stop()
	wait:
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-timer.C:
				log.Warn("final commit not received before settle timeout")
				break wait
			case <-updated:
				if acc.Segments() > before {
					break wait
				}
			}
		}
		closing.Store(true)
		if err := conn.Close(websocket.StatusNormalClosure, "done"); err != nil {
			log.Debug("relay close", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return acc.Committed(), err
	}
	return acc.Committed(), nil
}

func endCall(ctx context.Context, apiBase, sessionID, text string, out io.Writer) error {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID, "realtimeTranscript": text})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(apiBase, "/")+"/api/call/end", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(strings.TrimSpace(string(data)))
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
