package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// WorkerKey is the field name that scopes log lines to a worker.
const WorkerKey = "worker_id"

// Line is one captured log entry.
type Line struct {
	Time     time.Time `json:"ts"`
	Level    string    `json:"level"`
	Logger   string    `json:"logger,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Message  string    `json:"msg"`
	Fields   string    `json:"fields,omitempty"`
}

// Ring is a fixed-size buffer of the most recent log lines.
type Ring struct {
	mu    sync.Mutex
	lines []Line
	next  int
	full  bool
}

// NewRing allocates a ring holding up to size lines.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1000
	}
	return &Ring{lines: make([]Line, size)}
}

func (r *Ring) add(l Line) {
	r.mu.Lock()
	r.lines[r.next] = l
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Tail returns up to limit of the newest lines, oldest first. An empty
// workerID selects lines from every source.
func (r *Ring) Tail(workerID string, limit int) []Line {
	return r.Filter(limit, func(l Line) bool {
		return workerID == "" || l.WorkerID == workerID
	})
}

// Filter returns up to limit of the newest lines accepted by keep, oldest
// first. A non-positive limit returns every accepted line.
func (r *Ring) Filter(limit int, keep func(Line) bool) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.lines)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Line, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		l := r.lines[(r.next-i+len(r.lines))%len(r.lines)]
		if !keep(l) {
			continue
		}
		out = append(out, l)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Core returns a zapcore.Core writing into the ring at the given level.
func (r *Ring) Core(level zapcore.LevelEnabler) zapcore.Core {
	return &ringCore{LevelEnabler: level, ring: r}
}

type ringCore struct {
	zapcore.LevelEnabler
	ring     *Ring
	workerID string
	fields   []zapcore.Field
}

func (c *ringCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &ringCore{
		LevelEnabler: c.LevelEnabler,
		ring:         c.ring,
		workerID:     c.workerID,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
	}
	if id := workerIDFrom(fields); id != "" {
		clone.workerID = id
	}
	return clone
}

func (c *ringCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *ringCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	workerID := c.workerID
	if id := workerIDFrom(fields); id != "" {
		workerID = id
	}
	c.ring.add(Line{
		Time:     ent.Time,
		Level:    ent.Level.String(),
		Logger:   ent.LoggerName,
		WorkerID: workerID,
		Message:  ent.Message,
		Fields:   renderFields(c.fields, fields),
	})
	return nil
}

func (c *ringCore) Sync() error { return nil }

func workerIDFrom(fields []zapcore.Field) string {
	for _, f := range fields {
		if f.Key == WorkerKey && f.Type == zapcore.StringType {
			return f.String
		}
	}
	return ""
}

func renderFields(groups ...[]zapcore.Field) string {
	enc := zapcore.NewMapObjectEncoder()
	for _, fields := range groups {
		for _, f := range fields {
			f.AddTo(enc)
		}
	}
	if len(enc.Fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(enc.Fields))
	for k, v := range enc.Fields {
		if k == WorkerKey {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
