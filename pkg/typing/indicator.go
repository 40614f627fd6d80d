package typing

import (
	"fmt"
	"sort"
)

// Typers returns display names of remote users currently typing, in the order
// they started.
func (t *Tracker) Typers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	type typer struct {
		name  string
		since int64
	}
	list := make([]typer, 0, len(t.remotes))
	for id, r := range t.remotes {
		name := r.name
		if name == "" {
			name = id
		}
		list = append(list, typer{name: name, since: r.since.UnixNano()})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].since != list[j].since {
			return list[i].since < list[j].since
		}
		return list[i].name < list[j].name
	})
	names := make([]string, len(list))
	for i, tp := range list {
		names[i] = tp.name
	}
	return names
}

// Indicator renders the typing line, or "" when nobody is typing.
func (t *Tracker) Indicator() string {
	names := t.Typers()
	if len(names) == 0 {
		return ""
	}
	if !t.conv.IsGroup() {
		return "typing..."
	}
	switch len(names) {
	case 1:
		return names[0] + " is typing..."
	case 2:
		return fmt.Sprintf("%s and %s are typing...", names[0], names[1])
	}
	return "several people are typing..."
}
