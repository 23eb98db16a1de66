package conviction

import "sync"

// recentWindow is the number of latest outcomes used for the win rate.
const recentWindow = 20

type symbolStats struct {
	wins      int
	total     int
	profitSum float64
}

// Memory keeps realised trade outcomes. It feeds the performance and
// learning factors and throttles sizing during losing streaks. It is safe
// for concurrent use.
type Memory struct {
	mu         sync.Mutex
	recent     []bool
	winStreak  int
	lossStreak int
	symbols    map[string]*symbolStats
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{symbols: make(map[string]*symbolStats)}
}

// Record stores one realised outcome. A zero PnL counts as a non-win and
// resets both streaks.
func (m *Memory) Record(symbol string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	win := pnl > 0
	m.recent = append(m.recent, win)
	if len(m.recent) > recentWindow {
		m.recent = m.recent[len(m.recent)-recentWindow:]
	}

	switch {
	case pnl > 0:
		m.winStreak++
		m.lossStreak = 0
	case pnl < 0:
		m.lossStreak++
		m.winStreak = 0
	default:
		m.winStreak = 0
		m.lossStreak = 0
	}

	st, ok := m.symbols[symbol]
	if !ok {
		st = &symbolStats{}
		m.symbols[symbol] = st
	}
	st.total++
	st.profitSum += pnl
	if win {
		st.wins++
	}
}

// Performance returns the portfolio-wide performance snapshot.
func (m *Memory) Performance() PerformanceFactors {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := PerformanceFactors{
		WinStreak:  m.winStreak,
		LossStreak: m.lossStreak,
		Samples:    len(m.recent),
	}
	if len(m.recent) == 0 {
		return p
	}
	wins := 0
	for _, w := range m.recent {
		if w {
			wins++
		}
	}
	p.RecentWinRate = float64(wins) / float64(len(m.recent))
	return p
}

// Learning returns the per-symbol learning snapshot. Unknown symbols yield
// zero samples.
func (m *Memory) Learning(symbol string) LearningFactors {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.symbols[symbol]
	if !ok || st.total == 0 {
		return LearningFactors{}
	}
	return LearningFactors{
		PatternAccuracy: float64(st.wins) / float64(st.total),
		Samples:         st.total,
		AvgProfit:       st.profitSum / float64(st.total),
	}
}

// SizingMultiplier scales new entries: 1 normally, 0.5 after three
// consecutive losses and 0 (no new entries) after five.
func (m *Memory) SizingMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.lossStreak >= 5:
		return 0
	case m.lossStreak >= 3:
		return 0.5
	default:
		return 1
	}
}
