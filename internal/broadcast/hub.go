// Package broadcast fans accepted log entries out to named channels.
// Default level channels route structured JSON lines by their "level"
// field and fall back to a case-insensitive substring scan for plain
// text.
package broadcast

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"

	"github.com/logcrafter/server/internal/store"
)

const (
	maxChannelName = 32

	hubQueueDepth = 1024
	subQueueDepth = 64
)

// DefaultChannels are created on every hub and never removed.
var DefaultChannels = []string{"all", "error", "warning", "info", "debug"}

// Subscriber consumes entries routed to a channel. Deliver runs on a
// dedicated goroutine per subscription, so a slow consumer only stalls
// its own queue.
type Subscriber interface {
	Deliver(channel string, e store.Entry)
}

// Predicate filters entries for a channel or a single subscription.
type Predicate func(e store.Entry) bool

// ChannelInfo describes one channel for stats reporting.
type ChannelInfo struct {
	Name       string
	Members    int
	Broadcasts uint64
	Builtin    bool
}

type subscription struct {
	id      string
	channel string
	pred    Predicate
	sub     Subscriber
	queue   chan store.Entry
	dropped uint64
}

type channel struct {
	name       string
	pred       Predicate
	builtin    bool
	members    map[string]*subscription
	broadcasts uint64
}

// Hub routes published entries to channel subscribers. Publishing
// never blocks: the router runs on its own goroutine and every
// subscription has a bounded delivery queue that drops when full.
type Hub struct {
	mu       sync.RWMutex
	closed   bool
	channels map[string]*channel
	subs     map[string]*subscription

	queue chan store.Entry
	done  chan struct{}

	parsers fastjson.ParserPool
	dropped uint64
}

// NewHub creates a hub with the default level channels and starts the
// router goroutine.
func NewHub() *Hub {
	h := &Hub{
		channels: make(map[string]*channel),
		subs:     make(map[string]*subscription),
		queue:    make(chan store.Entry, hubQueueDepth),
		done:     make(chan struct{}),
	}

	h.addChannel("all", nil, true)
	h.addChannel("error", h.levelPredicate("error", "error"), true)
	h.addChannel("warning", h.levelPredicate("warning", "warn"), true)
	h.addChannel("info", h.levelPredicate("info", "info"), true)
	h.addChannel("debug", h.levelPredicate("debug", "debug"), true)

	go h.run()
	return h
}

// Subscribe registers sub on the named channel, creating the channel
// when it does not exist yet. pred may be nil to receive everything
// the channel routes. The returned id is the handle for Unsubscribe.
func (h *Hub) Subscribe(channelName string, pred Predicate, sub Subscriber) (string, error) {
	name := sanitizeChannel(channelName)
	if name == "" {
		return "", errors.New("empty channel name")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", errors.New("hub is closed")
	}

	ch := h.channels[name]
	if ch == nil {
		ch = h.addChannel(name, nil, false)
	}

	s := &subscription{
		id:      uuid.NewString(),
		channel: name,
		pred:    pred,
		sub:     sub,
		queue:   make(chan store.Entry, subQueueDepth),
	}
	ch.members[s.id] = s
	h.subs[s.id] = s

	go s.deliver()
	return s.id, nil
}

// Unsubscribe removes a subscription and stops its delivery goroutine.
// Non-default channels disappear with their last member.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)

	if ch := h.channels[s.channel]; ch != nil {
		delete(ch.members, id)
		if !ch.builtin && len(ch.members) == 0 {
			delete(h.channels, s.channel)
		}
	}

	close(s.queue)
	return true
}

// Publish hands an entry to the router. It never blocks: when the
// router queue is full the entry is dropped and counted.
func (h *Hub) Publish(e store.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- e:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

// QueueDrops returns how many published entries were dropped because
// the router queue was full.
func (h *Hub) QueueDrops() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// SubscriberDrops returns how many entries were dropped for one
// subscription because its delivery queue was full.
func (h *Hub) SubscriberDrops(id string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s, ok := h.subs[id]; ok {
		return atomic.LoadUint64(&s.dropped)
	}
	return 0
}

// ChannelStats reports all channels, default channels first, then by
// name.
func (h *Hub) ChannelStats() []ChannelInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	infos := make([]ChannelInfo, 0, len(h.channels))
	for _, ch := range h.channels {
		infos = append(infos, ChannelInfo{
			Name:       ch.name,
			Members:    len(ch.members),
			Broadcasts: atomic.LoadUint64(&ch.broadcasts),
			Builtin:    ch.builtin,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Builtin != infos[j].Builtin {
			return infos[i].Builtin
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Close stops the router, drains pending entries, and closes every
// subscription queue. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	<-h.done
}

func (h *Hub) run() {
	for e := range h.queue {
		h.route(e)
	}

	h.mu.Lock()
	for id, s := range h.subs {
		delete(h.subs, id)
		if ch := h.channels[s.channel]; ch != nil {
			delete(ch.members, id)
		}
		close(s.queue)
	}
	h.mu.Unlock()
	close(h.done)
}

func (h *Hub) route(e store.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.channels {
		if ch.pred != nil && !ch.pred(e) {
			continue
		}
		atomic.AddUint64(&ch.broadcasts, 1)

		for _, s := range ch.members {
			if s.pred != nil && !s.pred(e) {
				continue
			}
			select {
			case s.queue <- e:
			default:
				atomic.AddUint64(&s.dropped, 1)
			}
		}
	}
}

// addChannel must be called with h.mu held (or before the hub is
// shared).
func (h *Hub) addChannel(name string, pred Predicate, builtin bool) *channel {
	ch := &channel{
		name:    name,
		pred:    pred,
		builtin: builtin,
		members: make(map[string]*subscription),
	}
	h.channels[name] = ch
	return ch
}

func (s *subscription) deliver() {
	for e := range s.queue {
		s.sub.Deliver(s.channel, e)
	}
}

// levelPredicate routes an entry to a level channel. Structured JSON
// lines route by their "level" field alone; plain text routes on a
// case-insensitive substring match, so one line can reach several
// level channels.
func (h *Hub) levelPredicate(level, token string) Predicate {
	return func(e store.Entry) bool {
		if lvl, ok := h.jsonLevel(e.Text); ok {
			return lvl == level
		}
		return strings.Contains(strings.ToLower(e.Text), token)
	}
}

// jsonLevel extracts and normalizes the "level" field of a JSON log
// line. ok is false for plain text, invalid JSON, or unknown levels.
func (h *Hub) jsonLevel(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	p := h.parsers.Get()
	defer h.parsers.Put(p)

	v, err := p.Parse(trimmed)
	if err != nil {
		return "", false
	}
	lvl := v.GetStringBytes("level")
	if len(lvl) == 0 {
		return "", false
	}

	switch strings.ToUpper(string(lvl)) {
	case "DEBUG":
		return "debug", true
	case "INFO":
		return "info", true
	case "WARN", "WARNING":
		return "warning", true
	case "ERROR", "FATAL":
		return "error", true
	}
	return "", false
}

// sanitizeChannel normalizes a channel name: whitespace stripped,
// lowercased, capped at 32 bytes.
func sanitizeChannel(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	s := b.String()
	if len(s) > maxChannelName {
		s = s[:maxChannelName]
	}
	return s
}
