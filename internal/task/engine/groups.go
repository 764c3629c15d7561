package engine

import "strings"

// groupSet caps how many tasks of one Task.Group run at once. Groups without
// a limit are unbounded. A set is immutable; Apply swaps in a new one and
// tasks already running release into the set they acquired from.
type groupSet struct {
	slots map[string]chan struct{}
}

func newGroupSet(limits map[string]int) *groupSet {
	g := &groupSet{slots: make(map[string]chan struct{}, len(limits))}
	for name, n := range limits {
		name = strings.TrimSpace(name)
		if name == "" || n <= 0 {
			continue
		}
		g.slots[name] = make(chan struct{}, n)
	}
	return g
}

func noop() {}

// acquire takes a slot without blocking.
func (g *groupSet) acquire(group string) (release func(), ok bool) {
	if g == nil || group == "" {
		return noop, true
	}
	ch := g.slots[group]
	if ch == nil {
		return noop, true
	}
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}
