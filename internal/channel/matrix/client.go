// Package matrix is the Matrix ingress for the assistant, built on
// mautrix-go. Each accepted room message becomes one pipeline turn and the
// shaped reply is posted back to the same room.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/attune/pkg/channel"
)

// maxMessageLen is the largest body sent in one Matrix event, in bytes.
const maxMessageLen = 4000

// FailureReply is sent when the handler returns an error. Handler errors
// are never shown verbatim.
const FailureReply = "Sorry, something went wrong on my side. Please try again."

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string   `json:"homeserver"`
	UserID       string   `json:"user_id"` // localpart, e.g. "attune"
	Password     string   `json:"password"`
	ServerName   string   `json:"server_name"`
	AllowedUsers []string `json:"allowed_users"` // empty allows everyone
	DataDir      string   `json:"data_dir"`
}

// Enabled reports whether enough is configured to log in.
func (c Config) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.ServerName != ""
}

// Channel implements channel.Channel and channel.Typer for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64
	allowed   map[string]bool

	credFile string
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel.
func New(cfg Config) *Channel {
	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = true
		}
	}
	return &Channel{
		config:   cfg,
		allowed:  allowed,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

func (c *Channel) Name() string { return "matrix" }

// Start logs in and syncs until ctx is cancelled, reconnecting on errors.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "user", fullUserID)
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry reuses saved credentials, otherwise logs in with the
// password under exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const (
		maxBackoff  = 2 * time.Minute
		maxAttempts = 10
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}
		if nonRetryable(err) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}
		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

func nonRetryable(err error) bool {
	s := err.Error()
	return strings.Contains(s, "M_FORBIDDEN") ||
		strings.Contains(s, "M_UNKNOWN_TOKEN") ||
		strings.Contains(s, "M_INVALID_PARAM")
}

// Send posts resp, splitting long replies into numbered parts.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := c.client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return fmt.Errorf("send to %s: %w", roomID, err)
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Typing toggles the typing indicator while a reply is generated.
func (c *Channel) Typing(ctx context.Context, roomID string, typing bool) error {
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, 30*time.Second)
	return err
}

func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.startTime || !c.isAllowed(evt.Sender) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || strings.TrimSpace(content.Body) == "" {
		return
	}

	slog.Info("matrix message received", "sender", evt.Sender, "room", evt.RoomID, "len", len(content.Body))
	msg := channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		EventID:   string(evt.ID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	}
	if err := c.handler(ctx, msg); err != nil {
		slog.Error("message handler error", "room", evt.RoomID, "error", err)
		_ = c.Send(ctx, channel.Response{RoomID: string(evt.RoomID), Content: FailureReply})
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}
	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save matrix credentials", "path", c.credFile, "error", err)
	}
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	return len(c.allowed) == 0 || c.allowed[string(sender)]
}

// splitMessage cuts s into chunks of at most maxLen bytes, preferring a
// newline or space in the last quarter of each chunk and never splitting a
// UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if i := strings.LastIndexAny(s[:cut], "\n "); i >= maxLen*3/4 {
			cut = i + 1
		}
		chunks = append(chunks, strings.TrimRight(s[:cut], " \n"))
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
