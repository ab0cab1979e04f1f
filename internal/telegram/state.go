package telegram

import (
	"sync"

	"github.com/digkill/TGVideoBot/internal/models"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateAwaitingMode
	StateAwaitingAspect
	StateAwaitingPrompt
)

// Session holds the per-chat wizard progress toward a generation request.
type Session struct {
	State          SessionState
	Provider       models.ProviderName
	Mode           models.Mode
	AspectRatio    string
	Resolution     string
	ReferenceURL   string
	NegativePrompt string
}

func newSession() *Session {
	return &Session{
		State:       StateIdle,
		AspectRatio: "16:9",
		Resolution:  "720p",
	}
}

type StateManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

func NewStateManager() *StateManager {
	return &StateManager{
		sessions: make(map[int64]*Session),
	}
}

func (m *StateManager) Get(chatID int64) *Session {
	m.mu.RLock()
	session, ok := m.sessions[chatID]
	m.mu.RUnlock()
	if ok {
		return session
	}
	return newSession()
}

func (m *StateManager) Set(chatID int64, session *Session) {
	m.mu.Lock()
	m.sessions[chatID] = session
	m.mu.Unlock()
}

func (m *StateManager) Reset(chatID int64) {
	m.Set(chatID, newSession())
}

// SetReference stores an uploaded reference URL without disturbing the rest
// of the wizard.
func (m *StateManager) SetReference(chatID int64, url string) {
	m.mu.Lock()
	session, ok := m.sessions[chatID]
	if !ok {
		session = newSession()
		m.sessions[chatID] = session
	}
	session.ReferenceURL = url
	m.mu.Unlock()
}
