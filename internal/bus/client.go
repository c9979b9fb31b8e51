package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/orator/internal/config"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection used to publish lifecycle events.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	log = log.With(slog.String("component", "bus"))
	options := []nats.Option{
		nats.Name("orator"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	prefix := strings.Trim(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "orator"
	}
	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn:   conn,
		js:     js,
		prefix: prefix,
		log:    log,
	}, nil
}

// EnsureStream creates the JetStream stream retaining every event under the
// subject prefix. It is a no-op when the stream already exists.
func (c *Client) EnsureStream(name string, maxAge time.Duration) error {
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{c.prefix + ".>"},
		MaxAge:   maxAge,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	c.log.Info("event stream ready", slog.String("stream", name))
	return nil
}

// Subject qualifies name with the configured prefix.
func (c *Client) Subject(name string) string {
	return c.prefix + "." + name
}

// Publish encodes v as JSON onto the prefixed subject. A nil client drops the
// event so callers can run without a bus.
func (c *Client) Publish(name string, v any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	if err := c.conn.Publish(c.Subject(name), data); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
