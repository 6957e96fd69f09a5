package notify

import (
	"sync"
	"time"
)

// EmittedNotification records one Emit call on the MockEmitter
type EmittedNotification struct {
	Severity Severity
	Title    string
	Body     string
	Duration time.Duration
}

// MockEmitter collects notifications for assertions in tests.
type MockEmitter struct {
	mu      sync.Mutex
	emitted []EmittedNotification
}

func (m *MockEmitter) Emit(sev Severity, title, body string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = append(m.emitted, EmittedNotification{
		Severity: sev,
		Title:    title,
		Body:     body,
		Duration: duration,
	})
}

// Emitted returns a copy of everything emitted so far.
func (m *MockEmitter) Emitted() []EmittedNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmittedNotification, len(m.emitted))
	copy(out, m.emitted)
	return out
}

// Titles returns just the titles, in emission order.
func (m *MockEmitter) Titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.emitted))
	for _, n := range m.emitted {
		out = append(out, n.Title)
	}
	return out
}
