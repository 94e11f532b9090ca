package idregistry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/pkg/cerr"
)

var shortIDPattern = regexp.MustCompile(`^[a-z]{3}\d{1,2}-\d{3}$`)

// Registry maps short human-typable tokens like "sep18-001" to stable task
// ids and back. It is process-local: two replicas sharing one store each
// build their own registry, and short ids must not be assumed consistent
// across them.
type Registry struct {
	mu      sync.Mutex
	byShort map[string]string
	byID    map[string]string
	day     string
	seq     int

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		byShort: make(map[string]string),
		byID:    make(map[string]string),
		now:     time.Now,
	}
}

func dayToken(t time.Time) string {
	return fmt.Sprintf("%s%d", strings.ToLower(t.Format("Jan")), t.Day())
}

// AssignShortID returns the short id for stableID, allocating the next
// day-scoped sequence number on first use. Assignments are idempotent.
func (r *Registry) AssignShortID(stableID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignLocked(stableID, r.now())
}

func (r *Registry) assignLocked(stableID string, t time.Time) string {
	if short, ok := r.byID[stableID]; ok {
		return short
	}
	day := dayToken(t)
	if day != r.day {
		r.day = day
		r.seq = 0
	}
	// Skip over sequence numbers already taken by restored short ids.
	var short string
	for {
		r.seq++
		short = fmt.Sprintf("%s-%03d", day, r.seq)
		if _, taken := r.byShort[short]; !taken {
			break
		}
	}
	r.byShort[short] = stableID
	r.byID[stableID] = short
	return short
}

// Resolve turns a short id or a literal stable id into a stable id.
func (r *Registry) Resolve(token string) (string, error) {
	token = strings.TrimSpace(token)
	if shortIDPattern.MatchString(token) {
		r.mu.Lock()
		stableID, ok := r.byShort[token]
		r.mu.Unlock()
		if !ok {
			return "", cerr.NewError(cerr.NotFound, fmt.Sprintf("unknown task id %q", token), nil)
		}
		return stableID, nil
	}
	if isStableID(token) {
		return token, nil
	}
	return "", cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("malformed task id %q", token), nil)
}

// ShortIDFor returns the short id already assigned to stableID, if any.
func (r *Registry) ShortIDFor(stableID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	short, ok := r.byID[stableID]
	return short, ok
}

// Rebuild restores the registry from the store at startup. It scans tasks
// created today, or the last 7 days when today is empty. Short ids persisted
// on tasks are authoritative and survive restarts; only tasks that never got
// one have a short id derived in creation order, slotted around the restored
// ones.
func (r *Registry) Rebuild(ctx context.Context, repo task.Repository) error {
	now := r.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	tasks, err := repo.ListCreatedSince(ctx, startOfDay)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		tasks, err = repo.ListCreatedSince(ctx, startOfDay.AddDate(0, 0, -7))
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byShort = make(map[string]string)
	r.byID = make(map[string]string)
	r.day = ""
	r.seq = 0
	restored := 0
	for _, t := range tasks {
		if shortIDPattern.MatchString(t.ShortID) {
			r.byShort[t.ShortID] = t.ID
			r.byID[t.ID] = t.ShortID
			restored++
		}
	}
	for _, t := range tasks {
		if _, ok := r.byID[t.ID]; ok {
			continue
		}
		r.assignLocked(t.ID, t.CreatedAt)
	}

	// Resume the counter past the highest sequence seen for today, so fresh
	// assignments never collide with restored ids.
	r.day = dayToken(now)
	r.seq = 0
	prefix := r.day + "-"
	for short := range r.byShort {
		if !strings.HasPrefix(short, prefix) {
			continue
		}
		if n, err := strconv.Atoi(short[len(prefix):]); err == nil && n > r.seq {
			r.seq = n
		}
	}

	slog.Info("id registry rebuilt",
		"tasks", len(tasks), "restored", restored, "day", r.day, "seq", r.seq)
	return nil
}

// isStableID accepts a ULID: 26 chars of Crockford base32.
func isStableID(s string) bool {
	if len(s) != 26 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z' && c != 'I' && c != 'L' && c != 'O' && c != 'U':
		default:
			return false
		}
	}
	return true
}
