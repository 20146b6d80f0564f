package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject commit events are published on.
const DefaultSubject = "modelshift.commits"

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes events as JSON messages on a subject. The subject is
// suffixed with the project and branch ids, e.g. modelshift.commits.P.main.
type NATS struct {
	conn    natsConn
	subject string
	logger  *slog.Logger
}

// ConnectNATS dials the server at url.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("modelshift"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats: disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats: reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("nats: connected", slog.String("url", url), slog.String("subject", subject))
	return newNATS(conn, subject, logger), nil
}

func newNATS(conn natsConn, subject string, logger *slog.Logger) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: conn, subject: subject, logger: logger}
}

// Subject returns the subject an event is published on.
func (n *NATS) Subject(ev Event) string {
	return n.subject + "." + token(ev.ProjectID) + "." + token(ev.BranchID)
}

// Publish sends ev. The context is not used; NATS core publishing is
// buffered and non-blocking.
func (n *NATS) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: encode event: %w", err)
	}
	subject := n.Subject(ev)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	n.logger.Debug("nats: published", slog.String("subject", subject), slog.String("commit", ev.CommitID))
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// token makes s usable as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '.', '*', '>', ' ', '\t':
			out[i] = '_'
		}
	}
	return string(out)
}
