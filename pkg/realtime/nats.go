package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/nous-labs/attune/pkg/memory"
)

// Connect opens a NATS connection that keeps retrying in the background.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("attune"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// SubjectToken encodes a user ID as a single subject token. User IDs such as
// "matrix:@ana:example.org" carry dots and may carry spaces, which NATS reads
// as token separators or rejects.
func SubjectToken(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// NATSRelay publishes to "<prefix>.<token>" subjects, one token per user.
type NATSRelay struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSRelay wraps an open connection. Close drains it.
func NewNATSRelay(nc *nats.Conn, prefix string) *NATSRelay {
	return &NATSRelay{nc: nc, prefix: prefixOr(prefix)}
}

func (r *NATSRelay) Name() string { return "nats" }

func (r *NATSRelay) Publish(_ context.Context, e Event) error {
	return r.nc.Publish(r.prefix+"."+SubjectToken(e.UserID), e.Marshal())
}

func (r *NATSRelay) Run(ctx context.Context, deliver func(Event)) error {
	sub, err := r.nc.Subscribe(r.prefix+".*", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			slog.Warn("realtime relay dropped malformed event", "relay", "nats", "subject", msg.Subject, "error", err)
			return
		}
		deliver(e)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", r.prefix, err)
	}
	slog.Info("realtime relay subscribed", "relay", "nats", "subject", r.prefix+".*")
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (r *NATSRelay) Close() error {
	if r.nc.IsClosed() {
		return nil
	}
	return r.nc.Drain()
}

// NATSHandoff forwards extraction requests to "<subject>.<token>" for an
// out-of-process extractor. Consumers subscribe to "<subject>.*" and read the
// user from the payload.
type NATSHandoff struct {
	nc      *nats.Conn
	subject string
}

// NewNATSHandoff creates a hand-off publisher.
func NewNATSHandoff(nc *nats.Conn, subject string) *NATSHandoff {
	if subject == "" {
		subject = "attune.extract"
	}
	return &NATSHandoff{nc: nc, subject: subject}
}

func (h *NATSHandoff) Handoff(_ context.Context, req memory.ExtractionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode extraction request: %w", err)
	}
	if err := h.nc.Publish(h.subject+"."+SubjectToken(req.UserID), data); err != nil {
		return fmt.Errorf("publish extraction request: %w", err)
	}
	return nil
}
