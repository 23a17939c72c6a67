package session

import (
	"sort"
	"sync"
	"time"
)

// HistoryEntry is one recorded command.
type HistoryEntry struct {
	Command string    `json:"command"`
	At      time.Time `json:"at"`
}

// Transition counts one observed (from, to) command pair.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// HistorySummary aggregates the command log for workflow visualization.
type HistorySummary struct {
	Total          int            `json:"total"`
	Frequencies    map[string]int `json:"frequencies"`
	Recent         []string       `json:"recent"`
	TopTransitions []Transition   `json:"top_transitions"`
}

// CommandHistory is the append-only ordered log of session commands.
type CommandHistory struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func NewCommandHistory() *CommandHistory {
	return &CommandHistory{}
}

// Append records one command.
func (h *CommandHistory) Append(command string, at time.Time) {
	h.mu.Lock()
	h.entries = append(h.entries, HistoryEntry{Command: command, At: at})
	h.mu.Unlock()
}

// Len reports the number of recorded commands.
func (h *CommandHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Entries snapshots the full ordered log.
func (h *CommandHistory) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Summary computes frequencies, the last-n sequence, and the top command
// transitions over the full log. Transition order is by descending count,
// then lexicographic for determinism.
func (h *CommandHistory) Summary(n int) HistorySummary {
	h.mu.Lock()
	entries := make([]HistoryEntry, len(h.entries))
	copy(entries, h.entries)
	h.mu.Unlock()

	summary := HistorySummary{
		Total:       len(entries),
		Frequencies: map[string]int{},
	}
	for _, e := range entries {
		summary.Frequencies[e.Command]++
	}

	start := len(entries) - n
	if start < 0 {
		start = 0
	}
	for _, e := range entries[start:] {
		summary.Recent = append(summary.Recent, e.Command)
	}

	counts := map[[2]string]int{}
	for i := 1; i < len(entries); i++ {
		counts[[2]string{entries[i-1].Command, entries[i].Command}]++
	}
	for pair, count := range counts {
		summary.TopTransitions = append(summary.TopTransitions, Transition{From: pair[0], To: pair[1], Count: count})
	}
	sort.Slice(summary.TopTransitions, func(i, j int) bool {
		a, b := summary.TopTransitions[i], summary.TopTransitions[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})
	if len(summary.TopTransitions) > 5 {
		summary.TopTransitions = summary.TopTransitions[:5]
	}
	return summary
}
