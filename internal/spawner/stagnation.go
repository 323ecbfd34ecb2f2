package spawner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// StagnationLevel orders escalation. Escalation is monotonic: the
// monitor never steps back down.
type StagnationLevel int

const (
	StagnationNone StagnationLevel = iota
	StagnationWarn
	StagnationPause
	StagnationAbort
)

func (l StagnationLevel) String() string {
	switch l {
	case StagnationWarn:
		return "warn"
	case StagnationPause:
		return "pause"
	case StagnationAbort:
		return "abort"
	default:
		return "none"
	}
}

// StagnationConfig tunes the three detection signals.
type StagnationConfig struct {
	RepeatThreshold int
	HistoryWindow   int
	WarnTime        time.Duration
	AbortTime       time.Duration
	WarnTurns       int
	AbortTurns      int
	CheckInterval   time.Duration
}

// DefaultStagnationConfig returns the stock thresholds.
func DefaultStagnationConfig() StagnationConfig {
	return StagnationConfig{
		RepeatThreshold: 3,
		HistoryWindow:   5,
		WarnTime:        10 * time.Minute,
		AbortTime:       30 * time.Minute,
		WarnTurns:       8,
		AbortTurns:      15,
		CheckInterval:   30 * time.Second,
	}
}

// StagnationMonitor watches one agent for loops, wall-clock overrun and
// turn-count overrun. Escalations fire the callback exactly once per
// level.
type StagnationMonitor struct {
	cfg      StagnationConfig
	onChange func(level StagnationLevel, reason string)

	mu      sync.Mutex
	started time.Time
	turns   int
	history []string
	level   StagnationLevel
	done    chan struct{}
	stopped bool
}

// NewStagnationMonitor creates a monitor; Start begins periodic checks.
func NewStagnationMonitor(cfg StagnationConfig, onChange func(StagnationLevel, string)) *StagnationMonitor {
	if cfg.RepeatThreshold <= 0 {
		cfg = DefaultStagnationConfig()
	}
	return &StagnationMonitor{
		cfg:      cfg,
		onChange: onChange,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic wall-clock and turn checks until Stop.
func (m *StagnationMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

// Stop halts periodic checks. Idempotent.
func (m *StagnationMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.done)
	}
}

// Observe records one progress observation for loop detection.
func (m *StagnationMonitor) Observe(phase, progressSnippet string, iteration int) {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", phase, progressSnippet, iteration)))
	key := hex.EncodeToString(h[:8])

	m.mu.Lock()
	m.history = append(m.history, key)
	if len(m.history) > m.cfg.HistoryWindow {
		m.history = m.history[len(m.history)-m.cfg.HistoryWindow:]
	}
	repeats := 0
	for _, k := range m.history {
		if k == key {
			repeats++
		}
	}
	loop := repeats >= m.cfg.RepeatThreshold
	m.mu.Unlock()

	if loop {
		m.escalate(StagnationAbort, fmt.Sprintf("loop detected: state repeated %d times", repeats))
	}
}

// RecordTurn counts one assistant turn.
func (m *StagnationMonitor) RecordTurn() {
	m.mu.Lock()
	m.turns++
	m.mu.Unlock()
	m.check()
}

// Level returns the current escalation level.
func (m *StagnationMonitor) Level() StagnationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *StagnationMonitor) check() {
	m.mu.Lock()
	elapsed := time.Since(m.started)
	turns := m.turns
	m.mu.Unlock()

	switch {
	case elapsed >= m.cfg.AbortTime:
		m.escalate(StagnationAbort, fmt.Sprintf("wall clock exceeded %s", m.cfg.AbortTime))
	case turns >= m.cfg.AbortTurns:
		m.escalate(StagnationAbort, fmt.Sprintf("turn count reached %d", turns))
	case elapsed >= m.cfg.WarnTime:
		m.escalate(StagnationWarn, fmt.Sprintf("wall clock exceeded %s", m.cfg.WarnTime))
	case turns >= m.cfg.WarnTurns:
		m.escalate(StagnationWarn, fmt.Sprintf("turn count reached %d", turns))
	}
}

func (m *StagnationMonitor) escalate(to StagnationLevel, reason string) {
	m.mu.Lock()
	if to <= m.level {
		m.mu.Unlock()
		return
	}
	m.level = to
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(to, reason)
	}
}
