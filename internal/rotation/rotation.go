// Package rotation hands out extraction targets sequentially or at random and
// keeps a bounded history of rotations.
package rotation

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

const defaultHistorySize = 32

// Entry records one rotation.
type Entry struct {
	From   int       `json:"from"`
	To     int       `json:"to"`
	Target string    `json:"target"`
	Kind   string    `json:"kind"`
	At     time.Time `json:"at"`
}

// Stats is a snapshot of the rotation state.
type Stats struct {
	Size        int     `json:"size"`
	Index       int     `json:"index"`
	HistoryTail []Entry `json:"history_tail"`
}

// Config tunes a Manager. Zero values pick defaults.
type Config struct {
	HistorySize int
	Rand        *rand.Rand
	Clock       harvest.Clock
}

// Manager is safe for concurrent use; every index update is serialized.
type Manager struct {
	mu          sync.Mutex
	targets     []harvest.Target
	index       int
	history     []Entry
	historySize int
	rng         *rand.Rand
	clock       harvest.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds a Manager over a fixed, non-empty target list.
func New(targets []harvest.Target, cfg Config) (*Manager, error) {
	if len(targets) == 0 {
		return nil, harvest.ErrNoTargets
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	return &Manager{
		targets:     append([]harvest.Target(nil), targets...),
		historySize: cfg.HistorySize,
		rng:         cfg.Rand,
		clock:       cfg.Clock,
	}, nil
}

// Current returns the target at the current index.
func (m *Manager) Current() harvest.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[m.index]
}

// Next advances the index by one, wrapping, and returns the new target.
func (m *Manager) Next() harvest.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked((m.index+1)%len(m.targets), "next")
}

// Random moves to a uniformly chosen target other than the current one. With a
// single target it returns that target.
func (m *Manager) Random() harvest.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveLocked(m.pickOtherLocked(m.index), "random")
}

// Away moves to a random target different from avoid, which need not be the
// current one. Unknown targets behave like Random.
func (m *Manager) Away(avoid harvest.Target) harvest.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.index
	for i, t := range m.targets {
		if t == avoid {
			from = i
			break
		}
	}
	return m.moveLocked(m.pickOtherLocked(from), "away")
}

// Stats returns the size, current index and the rotation history tail.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Size:        len(m.targets),
		Index:       m.index,
		HistoryTail: append([]Entry(nil), m.history...),
	}
}

func (m *Manager) pickOtherLocked(exclude int) int {
	n := len(m.targets)
	if n == 1 {
		return 0
	}
	// draw from n-1 slots and skip over the excluded one
	idx := m.rng.IntN(n - 1)
	if idx >= exclude {
		idx++
	}
	return idx
}

func (m *Manager) moveLocked(to int, kind string) harvest.Target {
	entry := Entry{
		From:   m.index,
		To:     to,
		Target: m.targets[to].URL,
		Kind:   kind,
		At:     m.clock.Now(),
	}
	m.index = to
	m.history = append(m.history, entry)
	if len(m.history) > m.historySize {
		m.history = append(m.history[:0:0], m.history[len(m.history)-m.historySize:]...)
	}
	return m.targets[to]
}
