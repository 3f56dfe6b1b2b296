package reporter

import (
	"sync"
	"time"

	"chat_sync/pkg/logger"
)

// Категории событий жизненного цикла движка
const (
	CategoryConnection = "connection"
	CategoryRoom       = "room"
	CategoryCommand    = "command"
	CategoryOutbox     = "outbox"
	CategoryReconcile  = "reconcile"
	CategorySession    = "session"
)

type Event struct {
	Category   string
	Message    string
	Attributes map[string]any
	Success    bool
	Duration   time.Duration // 0 - длительность не измерялась
	Time       time.Time
}

type Reporter interface {
	Report(ev Event)
}

type Listener interface {
	OnEvent(ev Event)
}

type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// Multi рассылает каждое событие всем зарегистрированным слушателям
type Multi struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewMulti(listeners ...Listener) *Multi {
	return &Multi{listeners: listeners}
}

func (m *Multi) Register(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Multi) Report(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()
	for _, l := range listeners {
		l.OnEvent(ev)
	}
}

type nop struct{}

func (nop) Report(Event) {}

func Nop() Reporter { return nop{} }

// LogListener пишет события в структурный лог
type LogListener struct {
	log logger.Logger
}

func NewLogListener(log logger.Logger) *LogListener {
	return &LogListener{log: log}
}

func (l *LogListener) OnEvent(ev Event) {
	args := make([]any, 0, 2*len(ev.Attributes)+6)
	args = append(args, "category", ev.Category, "success", ev.Success)
	if ev.Duration > 0 {
		args = append(args, "duration_ms", ev.Duration.Milliseconds())
	}
	for k, v := range ev.Attributes {
		args = append(args, k, v)
	}
	if ev.Success {
		l.log.Info(ev.Message, args...)
		return
	}
	l.log.Warn(ev.Message, args...)
}

// Recorder запоминает события, используется в тестах
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Report(ev Event) { r.OnEvent(ev) }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) Find(category, message string) (Event, bool) {
	for _, ev := range r.Events() {
		if ev.Category == category && ev.Message == message {
			return ev, true
		}
	}
	return Event{}, false
}
