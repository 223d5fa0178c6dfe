package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsimon/liiive/internal/model"
)

func peer(userID, canvas, timestamp string) *model.PresenceState {
	return &model.PresenceState{
		ID:        userID,
		Name:      userID,
		Canvas:    canvas,
		Timestamp: timestamp,
	}
}

func TestInitialAnnounce(t *testing.T) {
	var sent []model.PresenceState
	New(model.PresenceState{ID: "u-1", Name: "Alice", Color: "#ff0000", Canvas: "canvas-1"},
		func(s model.PresenceState) { sent = append(sent, s) })

	require.Len(t, sent, 1)
	assert.Equal(t, "u-1", sent[0].ID)
	assert.Equal(t, "canvas-1", sent[0].Canvas)
	assert.NotEmpty(t, sent[0].Timestamp)
}

func TestFieldUpdatesBumpTimestampAndBroadcast(t *testing.T) {
	var sent []model.PresenceState
	m := New(model.PresenceState{ID: "u-1"}, func(s model.PresenceState) { sent = append(sent, s) })

	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	m.SetCanvas("canvas-2")
	m.SetSelected([]string{"ann-1"})
	m.SetTyping(true)

	require.Len(t, sent, 4)
	assert.Equal(t, "canvas-2", sent[1].Canvas)
	assert.Equal(t, []string{"ann-1"}, sent[2].Selected)
	assert.True(t, sent[3].IsTyping)
	assert.True(t, timestampBefore(sent[1].Timestamp, sent[2].Timestamp))
}

func TestSetCanvasDropsStaleCursor(t *testing.T) {
	m := New(model.PresenceState{ID: "u-1"}, nil)
	m.SetCursor([2]float64{10, 20})
	m.flushCursor()
	require.NotNil(t, m.Local().Cursor)

	m.SetCanvas("canvas-2")
	assert.Nil(t, m.Local().Cursor)
}

func TestCursorUpdatesAreDebounced(t *testing.T) {
	var sent []model.PresenceState
	m := New(model.PresenceState{ID: "u-1"}, func(s model.PresenceState) { sent = append(sent, s) })
	m.cursorDebounce = 10 * time.Millisecond

	for i := 0; i < 20; i++ {
		m.SetCursor([2]float64{float64(i), 0})
	}
	time.Sleep(50 * time.Millisecond)

	// The burst collapses to one broadcast carrying the last position.
	require.Len(t, sent, 2)
	require.NotNil(t, sent[1].Cursor)
	assert.Equal(t, [2]float64{19, 0}, *sent[1].Cursor)
}

func TestPeersDeduplicateByUserKeepingLatest(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)

	// Two tabs of the same user: the later timestamp wins.
	first := peer("u-1", "canvas-1", "2024-03-01T09:00:00Z")
	second := peer("u-1", "canvas-2", "2024-03-01T09:00:00.5Z")
	m.Apply("conn-tab-1", first)
	m.Apply("conn-tab-2", second)

	peers := m.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "canvas-2", peers[0].Canvas)
}

func TestPeersExcludeSelf(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)
	m.Apply("conn-own-tab", peer("u-me", "canvas-1", "2024-03-01T09:00:00Z"))
	m.Apply("conn-other", peer("u-1", "canvas-1", "2024-03-01T09:00:00Z"))

	peers := m.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "u-1", peers[0].ID)
}

func TestApplyNilClearsConnection(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)
	m.Apply("conn-1", peer("u-1", "canvas-1", "2024-03-01T09:00:00Z"))
	require.Len(t, m.Peers(), 1)

	m.Apply("conn-1", nil)
	assert.Empty(t, m.Peers())
}

func TestPresenceByCanvas(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)
	m.Apply("c1", peer("u-1", "canvas-1", "2024-03-01T09:00:00Z"))
	m.Apply("c2", peer("u-2", "canvas-1", "2024-03-01T09:00:01Z"))
	m.Apply("c3", peer("u-3", "canvas-2", "2024-03-01T09:00:02Z"))
	m.Apply("c4", peer("u-4", "", "2024-03-01T09:00:03Z"))

	byCanvas := m.PresenceByCanvas()
	assert.Len(t, byCanvas["canvas-1"], 2)
	assert.Len(t, byCanvas["canvas-2"], 1)
	assert.Len(t, byCanvas, 2)
}

func TestCursorsOnCanvas(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)
	withCursor := peer("u-1", "canvas-1", "2024-03-01T09:00:00Z")
	withCursor.Color = "#00ff00"
	withCursor.Cursor = &[2]float64{128, 256}
	withCursor.IsTyping = true
	m.Apply("c1", withCursor)
	m.Apply("c2", peer("u-2", "canvas-1", "2024-03-01T09:00:00Z"))

	cursors := m.Cursors("canvas-1")
	require.Len(t, cursors, 1)
	assert.Equal(t, [2]float64{128, 256}, cursors[0].Pos)
	assert.Equal(t, "#00ff00", cursors[0].Color)
	assert.True(t, cursors[0].Typing)
	assert.Empty(t, m.Cursors("canvas-2"))
}

func TestAroundSplitsByDocumentOrder(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)
	m.Apply("c1", peer("u-1", "canvas-1", "2024-03-01T09:00:00Z"))
	m.Apply("c2", peer("u-2", "canvas-2", "2024-03-01T09:00:00Z"))
	m.Apply("c3", peer("u-3", "canvas-3", "2024-03-01T09:00:00Z"))
	m.Apply("c4", peer("u-4", "canvas-unknown", "2024-03-01T09:00:00Z"))

	order := []string{"canvas-1", "canvas-2", "canvas-3"}
	presence := m.Around(order, "canvas-2")

	require.Len(t, presence.Before, 1)
	assert.Equal(t, "u-1", presence.Before[0].ID)
	require.Len(t, presence.After, 1)
	assert.Equal(t, "u-3", presence.After[0].ID)
	require.Len(t, presence.OnThisCanvas, 1)
	assert.Equal(t, "u-2", presence.OnThisCanvas[0].ID)

	assert.Equal(t, model.CanvasPresence{}, m.Around(order, "canvas-unknown"))
}

func TestOnChangeNotifiesAndUnsubscribes(t *testing.T) {
	m := New(model.PresenceState{ID: "u-me"}, nil)

	calls := 0
	unsub := m.OnChange(func() { calls++ })

	m.Apply("c1", peer("u-1", "canvas-1", "2024-03-01T09:00:00Z"))
	assert.Equal(t, 1, calls)

	unsub()
	m.Apply("c1", nil)
	assert.Equal(t, 1, calls)
}
