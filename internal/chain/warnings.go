package chain

import "sort"

// Warnings collects the deduplicated, user-facing degradation notices for
// one chain walk + generation cycle.
type Warnings struct {
	items map[string]struct{}
}

func NewWarnings() *Warnings {
	return &Warnings{items: make(map[string]struct{})}
}

func (w *Warnings) Add(warning string) {
	w.items[warning] = struct{}{}
}

func (w *Warnings) Empty() bool { return len(w.items) == 0 }

// Sorted renders the warnings lexicographically for display.
func (w *Warnings) Sorted() []string {
	out := make([]string, 0, len(w.items))
	for item := range w.items {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
