package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/attune/internal/intent"
)

// KV is the key/value persistence the inbox writes to. *brain.Brain
// implements it.
type KV interface {
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSetTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

// Task is one actionable intent waiting for the task subsystem.
type Task struct {
	ID         string            `json:"id"`
	Action     intent.Action     `json:"action"`
	Data       map[string]string `json:"data,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     intent.Source     `json:"source"`
	At         time.Time         `json:"at"`
}

// Inbox keeps actionable intents per user until the task subsystem
// collects them. Each user's list is capped; the oldest entries go first.
type Inbox struct {
	kv  KV
	max int
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex // serializes read-modify-write per process
}

// NewInbox creates an inbox over kv.
func NewInbox(kv KV, maxPerUser int, ttl time.Duration) *Inbox {
	if maxPerUser <= 0 {
		maxPerUser = 50
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Inbox{kv: kv, max: maxPerUser, ttl: ttl, now: time.Now}
}

func inboxKey(userID string) string { return "attune:tasks:" + userID }

// Dispatch implements pipeline.IntentSink.
func (in *Inbox) Dispatch(ctx context.Context, userID string, r intent.Result) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	tasks, err := in.load(ctx, userID)
	if err != nil {
		return err
	}
	tasks = append(tasks, Task{
		ID:         uuid.NewString(),
		Action:     r.Action,
		Data:       r.Data,
		Confidence: r.Confidence,
		Source:     r.Source,
		At:         in.now().UTC(),
	})
	if over := len(tasks) - in.max; over > 0 {
		tasks = tasks[over:]
	}
	if err := in.save(ctx, userID, tasks); err != nil {
		return err
	}
	slog.Info("intent queued", "user", userID, "action", r.Action, "pending", len(tasks))
	return nil
}

// List returns the pending tasks of userID, oldest first. With drain set
// the list is cleared.
func (in *Inbox) List(ctx context.Context, userID string, drain bool) ([]Task, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	tasks, err := in.load(ctx, userID)
	if err != nil || !drain || len(tasks) == 0 {
		return tasks, err
	}
	if err := in.save(ctx, userID, nil); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (in *Inbox) load(ctx context.Context, userID string) ([]Task, error) {
	raw, ok, err := in.kv.KVGet(ctx, inboxKey(userID))
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var tasks []Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		// An unreadable list is dropped and rebuilt from the next intent.
		slog.Warn("discarding unreadable task list", "user", userID, "reason", "decode_failed", "error", err)
		return nil, nil
	}
	return tasks, nil
}

func (in *Inbox) save(ctx context.Context, userID string, tasks []Task) error {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	if err := in.kv.KVSetTTL(ctx, inboxKey(userID), string(data), in.ttl); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
