package pixel

import (
	"sort"
	"sync"
)

// NavigationKind is the history transition that occurred.
type NavigationKind int

const (
	NavigationPush NavigationKind = iota
	NavigationReplace
	NavigationPop
	NavigationUnload
)

func (k NavigationKind) String() string {
	switch k {
	case NavigationPush:
		return "push"
	case NavigationReplace:
		return "replace"
	case NavigationPop:
		return "pop"
	case NavigationUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// NavigationEvent is delivered after the host document changed location or
// is about to be torn down.
type NavigationEvent struct {
	Kind  NavigationKind
	URL   string
	Title string
}

// NavigationObserver is implemented by the host. Subscribe returns a function
// that removes the subscription.
type NavigationObserver interface {
	Subscribe(fn func(NavigationEvent)) (unsubscribe func())
}

// NavigationHub is a NavigationObserver a host can drive directly.
type NavigationHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(NavigationEvent)
}

func NewNavigationHub() *NavigationHub {
	return &NavigationHub{subs: make(map[int]func(NavigationEvent))}
}

func (h *NavigationHub) Subscribe(fn func(NavigationEvent)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Notify calls every subscriber synchronously, in subscription order.
func (h *NavigationHub) Notify(ev NavigationEvent) {
	h.mu.RLock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	fns := make([]func(NavigationEvent), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, h.subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
