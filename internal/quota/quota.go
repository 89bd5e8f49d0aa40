// Package quota tracks per-provider request counts against sliding
// per-minute and per-day windows and reports pressure levels the
// credential resolver uses to steer traffic.
package quota

import (
	"sync"
	"time"

	"github.com/doctalk-ai/go-rag-backend/internal/provider"
)

// Level is a provider's quota pressure bucket.
type Level int

const (
	// LevelOK means the provider is under 80% of every window limit.
	LevelOK Level = iota
	// LevelWarning means at least one window is at or above 80% of its limit.
	LevelWarning
	// LevelSaturated means at least one window is at or above 95%; the
	// resolver prefers alternates but may still use the provider.
	LevelSaturated
	// LevelExceeded means at least one window limit is fully consumed; the
	// provider is skipped until the window advances.
	LevelExceeded
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelSaturated:
		return "saturated"
	case LevelExceeded:
		return "exceeded"
	default:
		return "ok"
	}
}

// window is one sliding counter. A zero limit means unlimited.
type window struct {
	span  time.Duration
	start time.Time
	count int
	limit int
}

func (w *window) advance(now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= w.span {
		w.start = now
		w.count = 0
	}
}

func (w *window) level(now time.Time) Level {
	if w.limit <= 0 {
		return LevelOK
	}
	w.advance(now)
	switch {
	case w.count >= w.limit:
		return LevelExceeded
	case float64(w.count) >= float64(w.limit)*0.95:
		return LevelSaturated
	case float64(w.count) >= float64(w.limit)*0.8:
		return LevelWarning
	default:
		return LevelOK
	}
}

// record holds the windows for one provider behind its own lock, so bursts
// against one provider never contend with counts for another.
type record struct {
	mu     sync.Mutex
	minute window
	day    window
}

// Limits configures the per-provider ceilings. Zero disables a window.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Manager owns all provider quota records for the process. The zero value
// is not usable; construct with NewManager.
type Manager struct {
	records map[provider.Name]*record
	now     func() time.Time
}

// NewManager builds a Manager with the given per-provider limits. Providers
// absent from limits are unlimited.
func NewManager(limits map[provider.Name]Limits) *Manager {
	m := &Manager{records: make(map[provider.Name]*record), now: time.Now}
	for _, p := range []provider.Name{provider.Gemini, provider.Groq, provider.Ollama, provider.OpenAICompatible} {
		l := limits[p]
		m.records[p] = &record{
			minute: window{span: time.Minute, limit: l.PerMinute},
			day:    window{span: 24 * time.Hour, limit: l.PerDay},
		}
	}
	return m
}

// Record counts one attempt against p. Failed provider calls count too;
// they consumed upstream quota all the same.
func (m *Manager) Record(p provider.Name) {
	r, ok := m.records[p]
	if !ok {
		return
	}
	now := m.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minute.advance(now)
	r.day.advance(now)
	r.minute.count++
	r.day.count++
}

// Level reports the worst pressure level across p's windows.
func (m *Manager) Level(p provider.Name) Level {
	r, ok := m.records[p]
	if !ok {
		return LevelOK
	}
	now := m.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	lvl := r.minute.level(now)
	if d := r.day.level(now); d > lvl {
		lvl = d
	}
	return lvl
}

// Exceeded reports whether p must be skipped entirely.
func (m *Manager) Exceeded(p provider.Name) bool { return m.Level(p) >= LevelExceeded }

// Saturated reports whether the resolver should prefer alternates to p.
func (m *Manager) Saturated(p provider.Name) bool { return m.Level(p) >= LevelSaturated }

// Usage is a point-in-time view of one provider's counters, for metrics
// and health output.
type Usage struct {
	Provider  provider.Name `json:"provider"`
	Minute    int           `json:"minute"`
	MinuteMax int           `json:"minuteMax"`
	Day       int           `json:"day"`
	DayMax    int           `json:"dayMax"`
	Level     string        `json:"level"`
}

// Snapshot returns current usage for every tracked provider.
func (m *Manager) Snapshot() []Usage {
	now := m.now()
	out := make([]Usage, 0, len(m.records))
	for _, p := range []provider.Name{provider.Gemini, provider.Groq, provider.Ollama, provider.OpenAICompatible} {
		r := m.records[p]
		r.mu.Lock()
		r.minute.advance(now)
		r.day.advance(now)
		lvl := r.minute.level(now)
		if d := r.day.level(now); d > lvl {
			lvl = d
		}
		out = append(out, Usage{
			Provider:  p,
			Minute:    r.minute.count,
			MinuteMax: r.minute.limit,
			Day:       r.day.count,
			DayMax:    r.day.limit,
			Level:     lvl.String(),
		})
		r.mu.Unlock()
	}
	return out
}
