package mail

import (
	"context"
	"sync"
)

// CapturedMessage is one message recorded by CaptureMailer.
type CapturedMessage struct {
	To    string
	Kind  string // "verification" or "reset"
	Value string // the code or reset token
}

// CaptureMailer records messages instead of sending them. It backs the
// in-memory development mode and end-to-end tests.
type CaptureMailer struct {
	mu       sync.Mutex
	messages []CapturedMessage

	// Fail, when set, makes every send report this error.
	Fail error
}

// NewCapture returns an empty capture mailer.
func NewCapture() *CaptureMailer { return &CaptureMailer{} }

func (m *CaptureMailer) SendVerificationCode(_ context.Context, to, code string) error {
	return m.record(CapturedMessage{To: to, Kind: "verification", Value: code})
}

func (m *CaptureMailer) SendPasswordReset(_ context.Context, to, token string) error {
	return m.record(CapturedMessage{To: to, Kind: "reset", Value: token})
}

func (m *CaptureMailer) record(msg CapturedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of everything recorded so far.
func (m *CaptureMailer) Messages() []CapturedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapturedMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Last returns the most recent message, if any.
func (m *CaptureMailer) Last() (CapturedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return CapturedMessage{}, false
	}
	return m.messages[len(m.messages)-1], true
}
