package emotion

import (
	"sync"
	"time"
)

// DefaultLogSize is how many recent labels are kept per user.
const DefaultLogSize = 5

// Log keeps the last K emotion labels per user.
type Log struct {
	mu    sync.Mutex
	size  int
	users map[string]*userLog
	now   func() time.Time
}

type userLog struct {
	labels   []Emotion
	lastSeen time.Time
}

// NewLog creates a rolling log holding size labels per user.
func NewLog(size int) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{size: size, users: map[string]*userLog{}, now: time.Now}
}

// Record appends a label for userID, evicting the oldest past the size.
func (l *Log) Record(userID string, e Emotion) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		u = &userLog{}
		l.users[userID] = u
	}
	u.labels = append(u.labels, e)
	if len(u.labels) > l.size {
		u.labels = append([]Emotion(nil), u.labels[len(u.labels)-l.size:]...)
	}
	u.lastSeen = l.now()
}

// Recent returns the user's labels, oldest first.
func (l *Log) Recent(userID string) []Emotion {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return nil
	}
	return append([]Emotion(nil), u.labels...)
}

// NegativeStreak returns the category and length of the trailing run of
// identical negative labels. A non-negative latest label yields ("", 0).
func (l *Log) NegativeStreak(userID string) (Emotion, int) {
	labels := l.Recent(userID)
	if len(labels) == 0 {
		return "", 0
	}
	last := labels[len(labels)-1]
	if !last.Negative() {
		return "", 0
	}
	n := 0
	for i := len(labels) - 1; i >= 0 && labels[i] == last; i-- {
		n++
	}
	return last, n
}

// Prune forgets users not seen within idle.
func (l *Log) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for id, u := range l.users {
		if u.lastSeen.Before(cutoff) {
			delete(l.users, id)
			n++
		}
	}
	return n
}
