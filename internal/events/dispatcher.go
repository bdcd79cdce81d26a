// Package events is an in-process publish/subscribe bus with typed topics.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"proptrust/searchservice/internal/domain"
)

// Topic binds a topic name to the payload type published on it.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

type ResultsReady struct {
	SessionID  string                  `json:"session"`
	Generation uint64                  `json:"generation"`
	Query      string                  `json:"query"`
	SearchType domain.SearchType       `json:"searchType"`
	Items      []domain.PropertyRecord `json:"items"`
	Cached     bool                    `json:"cached"`
	Degraded   bool                    `json:"degraded"`
}

type PropertyAction struct {
	SessionID string                `json:"session"`
	Property  domain.PropertyRecord `json:"property"`
}

var (
	TopicResultsReady     = NewTopic[ResultsReady]("results-ready")
	TopicFocusProperty    = NewTopic[PropertyAction]("focus-property")
	TopicBookmarkProperty = NewTopic[PropertyAction]("bookmark-property")
)

type subscription struct {
	id      uint64
	handler func(any)
}

// Dispatcher delivers events synchronously, in subscription order.
type Dispatcher struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger,
		subs:   make(map[string][]subscription),
	}
}

// Subscribe registers handler on topic and returns a function that removes it.
func Subscribe[T any](d *Dispatcher, topic Topic[T], handler func(T)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[topic.name] = append(d.subs[topic.name], subscription{
		id: id,
		handler: func(payload any) {
			handler(payload.(T))
		},
	})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(topic.name, id) })
	}
}

// Publish invokes every handler subscribed to topic. A handler that panics is
// logged and skipped.
func Publish[T any](d *Dispatcher, topic Topic[T], payload T) {
	d.mu.RLock()
	handlers := append([]subscription(nil), d.subs[topic.name]...)
	d.mu.RUnlock()

	for _, sub := range handlers {
		d.deliver(topic.name, sub, payload)
	}
}

func (d *Dispatcher) deliver(topic string, sub subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panic",
				slog.String("topic", topic),
				slog.Uint64("subscriber", sub.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	sub.handler(payload)
}

func (d *Dispatcher) remove(topic string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.subs[topic]
	for i, sub := range current {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, topic)
		} else {
			d.subs[topic] = next
		}
		return
	}
}

// Subscribers reports how many handlers are registered on a topic name.
func (d *Dispatcher) Subscribers(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[topic])
}
