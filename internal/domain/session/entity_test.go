package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	s := New(100, 200, 30*time.Minute)

	assert.Equal(t, int64(100), s.ChatID)
	assert.Equal(t, int64(200), s.UserID)
	assert.Equal(t, StateIdle, s.State)
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsExpired())
	assert.NotNil(t, s.TempData)
	assert.WithinDuration(t, s.CreatedAt.Add(30*time.Minute), s.ExpiresAt, time.Second)
}

func TestNew_UserIDDefaultsToChatID(t *testing.T) {
	s := New(100, 0, time.Minute)
	assert.Equal(t, int64(100), s.UserID)
}

func TestParseState(t *testing.T) {
	assert.Equal(t, StateAuthenticated, ParseState("authenticated"))
	assert.Equal(t, StateWaitingSerial, ParseState("waiting_serial"))

	// Unknown and empty values fall back to idle
	assert.Equal(t, StateIdle, ParseState("waiting_something_removed"))
	assert.Equal(t, StateIdle, ParseState(""))
}

func TestRefresh(t *testing.T) {
	s := New(1, 1, time.Minute)
	s.ExpiresAt = time.Now().Add(-time.Second)
	require.True(t, s.IsExpired())

	s.Refresh(time.Hour)

	assert.False(t, s.IsExpired())
	assert.WithinDuration(t, s.LastActivity.Add(time.Hour), s.ExpiresAt, time.Second)
}

func TestRefresh_ZeroWindowKeepsExpiry(t *testing.T) {
	s := New(1, 1, time.Minute)
	expiry := s.ExpiresAt

	s.Refresh(0)

	assert.Equal(t, expiry, s.ExpiresAt)
}

func TestClone_NoSharedState(t *testing.T) {
	s := New(1, 1, time.Minute)
	s.SetTemp("flow", "complaint")
	s.TrackMessage(7)

	c := s.Clone()
	require.NotSame(t, s, c)
	assert.Equal(t, s, c)

	c.SetTemp("pending_type", "delivery")
	c.TrackMessage(8)

	_, ok := s.GetTemp("pending_type")
	assert.False(t, ok)
	assert.Equal(t, []int{7}, s.LastBotMessages)
}

func TestTrackMessage_SlidingWindow(t *testing.T) {
	s := New(1, 1, time.Minute)

	for id := 1; id <= 8; id++ {
		s.TrackMessage(id)
	}

	// Only the most recent five survive, oldest first
	assert.Equal(t, []int{4, 5, 6, 7, 8}, s.LastBotMessages)
}

func TestTempData(t *testing.T) {
	s := New(1, 1, time.Minute)

	s.SetTemp("order_number", "ORD-42")
	s.SetTemp("attempt", 3)

	val, ok := s.TempString("order_number")
	require.True(t, ok)
	assert.Equal(t, "ORD-42", val)

	_, ok = s.TempString("attempt")
	assert.False(t, ok, "non-string value must not coerce")

	_, ok = s.GetTemp("missing")
	assert.False(t, ok)

	s.MergeTemp(map[string]interface{}{"order_number": "ORD-43", "city": "Tehran"})
	val, _ = s.TempString("order_number")
	assert.Equal(t, "ORD-43", val)

	s.ClearTemp()
	assert.Empty(t, s.TempData)
}

func TestClearAuth(t *testing.T) {
	s := New(1, 1, time.Minute)
	s.NationalID = "1234567890"
	s.UserName = "Sara"
	s.PhoneNumber = "+98912"
	s.City = "Shiraz"
	s.IsAuthenticated = true
	s.State = StateAuthenticated
	s.SetTemp("k", "v")
	s.TrackMessage(10)
	s.RequestCount = 7

	s.ClearAuth()

	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, s.NationalID)
	assert.Empty(t, s.UserName)
	assert.Empty(t, s.PhoneNumber)
	assert.Empty(t, s.City)
	assert.Equal(t, StateIdle, s.State)
	assert.Empty(t, s.TempData)
	assert.Nil(t, s.LastBotMessages)

	// The row itself survives a logout
	assert.Equal(t, int64(1), s.ChatID)
	assert.Equal(t, int64(7), s.RequestCount)
}

func TestSession_WireFormat(t *testing.T) {
	s := New(42, 43, time.Minute)
	s.NationalID = "0012345678"
	s.State = StateWaitingOrderNumber
	s.TrackMessage(7)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, float64(42), decoded["chat_id"])
	assert.Equal(t, float64(43), decoded["user_id"])
	assert.Equal(t, "0012345678", decoded["national_id"])
	assert.Equal(t, "waiting_order_number", decoded["state"])
	assert.Equal(t, false, decoded["is_authenticated"])
	assert.Contains(t, decoded, "last_activity")
	assert.Contains(t, decoded, "expires_at")

	// Empty optional fields stay off the wire
	assert.NotContains(t, decoded, "order_number")
	assert.NotContains(t, decoded, "user_name")
}
