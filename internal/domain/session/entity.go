package session

import (
	"time"
)

// State is the conversational FSM state of a chat
type State string

const (
	StateIdle                 State = "idle"
	StateWaitingNationalID    State = "waiting_national_id"
	StateAuthenticated        State = "authenticated"
	StateWaitingOrderNumber   State = "waiting_order_number"
	StateWaitingSerial        State = "waiting_serial"
	StateWaitingComplaintType State = "waiting_complaint_type"
	StateWaitingComplaintText State = "waiting_complaint_text"
	StateWaitingRepairDesc    State = "waiting_repair_desc"
	StateRateLimited          State = "rate_limited"
)

// MaxTrackedMessages caps the bot message id list kept for bulk cleanup
const MaxTrackedMessages = 5

var knownStates = map[State]struct{}{
	StateIdle:                 {},
	StateWaitingNationalID:    {},
	StateAuthenticated:        {},
	StateWaitingOrderNumber:   {},
	StateWaitingSerial:        {},
	StateWaitingComplaintType: {},
	StateWaitingComplaintText: {},
	StateWaitingRepairDesc:    {},
	StateRateLimited:          {},
}

// Valid reports whether s is one of the defined states
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// ParseState maps a stored state string onto the enum, falling back to
// idle for unknown values so stale rows never crash a handler.
func ParseState(raw string) State {
	s := State(raw)
	if !s.Valid() {
		return StateIdle
	}
	return s
}

// Session is one conversation's transient state, addressed by chat id and
// stored JSON-encoded under bot:session:{chat_id}.
type Session struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`

	NationalID  string `json:"national_id,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	City        string `json:"city,omitempty"`

	State           State `json:"state"`
	IsAuthenticated bool  `json:"is_authenticated"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`

	TempData        map[string]interface{} `json:"temp_data,omitempty"`
	LastBotMessages []int                  `json:"last_bot_messages,omitempty"`
	RequestCount    int64                  `json:"request_count"`

	OrderNumber string `json:"order_number,omitempty"`
}

// New creates a fresh anonymous session. userID defaults to chatID when
// the caller does not know it yet.
func New(chatID, userID int64, window time.Duration) *Session {
	if userID == 0 {
		userID = chatID
	}
	now := time.Now()
	return &Session{
		ChatID:       chatID,
		UserID:       userID,
		State:        StateIdle,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(window),
		TempData:     make(map[string]interface{}),
	}
}

// Clone returns a deep copy. TempData and LastBotMessages are copied so
// the clone and the original never share mutable state.
func (s *Session) Clone() *Session {
	c := *s
	if s.TempData != nil {
		c.TempData = make(map[string]interface{}, len(s.TempData))
		for k, v := range s.TempData {
			c.TempData[k] = v
		}
	}
	if s.LastBotMessages != nil {
		c.LastBotMessages = append([]int(nil), s.LastBotMessages...)
	}
	return &c
}

// IsExpired reports whether the session is past its expiry window
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// Refresh bumps last activity and, when window > 0, re-derives the expiry
// from it. expires_at is always last_activity plus a TTL window.
func (s *Session) Refresh(window time.Duration) {
	s.LastActivity = time.Now()
	if window > 0 {
		s.ExpiresAt = s.LastActivity.Add(window)
	}
}

// TrackMessage appends a bot message id, keeping only the most recent
// MaxTrackedMessages in arrival order.
func (s *Session) TrackMessage(messageID int) {
	s.LastBotMessages = append(s.LastBotMessages, messageID)
	if n := len(s.LastBotMessages); n > MaxTrackedMessages {
		s.LastBotMessages = s.LastBotMessages[n-MaxTrackedMessages:]
	}
}

// SetTemp stores a per-flow scratch value
func (s *Session) SetTemp(key string, value interface{}) {
	if s.TempData == nil {
		s.TempData = make(map[string]interface{})
	}
	s.TempData[key] = value
}

// GetTemp retrieves a scratch value
func (s *Session) GetTemp(key string) (interface{}, bool) {
	if s.TempData == nil {
		return nil, false
	}
	val, ok := s.TempData[key]
	return val, ok
}

// TempString retrieves a scratch value as a string
func (s *Session) TempString(key string) (string, bool) {
	val, ok := s.GetTemp(key)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// MergeTemp shallow-merges extra into the scratch space, overwriting
// existing keys of the same name.
func (s *Session) MergeTemp(extra map[string]interface{}) {
	if len(extra) == 0 {
		return
	}
	if s.TempData == nil {
		s.TempData = make(map[string]interface{})
	}
	for k, v := range extra {
		s.TempData[k] = v
	}
}

// ClearTemp drops all scratch data
func (s *Session) ClearTemp() {
	s.TempData = make(map[string]interface{})
}

// ClearAuth de-authenticates the session in place: identity fields,
// scratch data and tracked messages are cleared and the state returns to
// idle. The session row itself survives so the conversation resumes as
// anonymous but still tracked.
func (s *Session) ClearAuth() {
	s.IsAuthenticated = false
	s.NationalID = ""
	s.UserName = ""
	s.PhoneNumber = ""
	s.City = ""
	s.State = StateIdle
	s.ClearTemp()
	s.LastBotMessages = nil
}
