package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix alerts are published under. The
// level is appended, e.g. "carecall.alerts.emergency".
const DefaultSubject = "carecall.alerts"

const flushTimeout = 2 * time.Second

// NATSConfig configures a [NATSAlerter].
type NATSConfig struct {
	// URL is a comma-separated list of NATS server URLs.
	URL string
	// Subject is the subject prefix. Default: [DefaultSubject].
	Subject string
	// Username, Password and Token are optional credentials.
	Username string
	Password string
	Token    string
	// ConnectTimeout bounds the initial dial. Default: 2s.
	ConnectTimeout time.Duration
}

// NATSAlerter publishes alerts as JSON to a NATS subject. Publishes are
// flushed so that an emergency is on the wire before the call ends.
type NATSAlerter struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

var _ Alerter = (*NATSAlerter)(nil)

// DialNATS connects to the configured servers.
func DialNATS(cfg NATSConfig, log *slog.Logger) (*NATSAlerter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("alert: nats url is required")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	options := []nats.Option{
		nats.Name("carecall"),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("alert: connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("url", conn.ConnectedUrlRedacted()))

	return &NATSAlerter{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Subject returns the subject an alert of the given level is published on.
func (n *NATSAlerter) Subject(a Alert) string {
	return n.subject + "." + a.Level.String()
}

// Raise implements [Alerter].
func (n *NATSAlerter) Raise(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: encode: %w", err)
	}
	if err := n.conn.Publish(n.Subject(a), data); err != nil {
		return fmt.Errorf("alert: publish: %w", err)
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("alert: flush: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up. It backs the readiness probe.
func (n *NATSAlerter) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (n *NATSAlerter) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	n.log.Info("closing NATS connection")
	err := n.conn.Drain()
	n.conn.Close()
	return err
}
