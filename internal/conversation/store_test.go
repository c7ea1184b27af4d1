package conversation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"skatedm-client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	convID = "c1"
	viewer = "u-viewer"
	peer   = "u-peer"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, sender string, offset int) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "content " + id,
		CreatedAt:      epoch.Add(time.Duration(offset) * time.Second),
		Status:         models.StatusSent,
	}
}

// pageOf builds page n of a history where page 1 holds the newest limit messages.
func pageOf(n, limit int, hasMore bool) *models.MessagePage {
	msgs := make([]*models.Message, 0, limit)
	base := -n * limit
	for i := 0; i < limit; i++ {
		offset := base + i
		msgs = append(msgs, msgAt(fmt.Sprintf("p%d-%02d", n, i), peer, offset))
	}
	return &models.MessagePage{Messages: msgs, Pagination: models.Pagination{Page: n, Limit: limit, HasMore: hasMore}}
}

func loaded(t *testing.T, first *models.MessagePage) *Store {
	t.Helper()
	s := New(convID, viewer)
	require.Equal(t, StateLoading, s.State())
	s.Load(&models.Conversation{ID: convID, OtherUser: models.PublicUser{ID: peer}}, first)
	require.Equal(t, StateReady, s.State())
	return s
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertOrdered(t *testing.T, msgs []models.Message) {
	t.Helper()
	seen := make(map[string]bool)
	for i, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.LessOrEqual(t, msgs[i-1].Compare(&msgs[i]), 0, "out of order at %d", i)
		}
	}
}

func TestPaginationOrdering(t *testing.T) {
	s := loaded(t, pageOf(1, 50, true))
	assert.Equal(t, 2, s.NextPage())

	require.True(t, s.ApplyOlderPage(pageOf(2, 50, false)))
	msgs := s.Messages()
	require.Len(t, msgs, 100)
	assertOrdered(t, msgs)

	for i := 0; i < 50; i++ {
		assert.Equal(t, fmt.Sprintf("p2-%02d", i), msgs[i].ID)
		assert.Equal(t, fmt.Sprintf("p1-%02d", i), msgs[50+i].ID)
	}
	assert.Equal(t, 0, s.NextPage())
}

func TestStaleOrRepeatedPageIgnored(t *testing.T) {
	s := loaded(t, pageOf(1, 5, true))
	require.True(t, s.ApplyOlderPage(pageOf(2, 5, true)))

	assert.False(t, s.ApplyOlderPage(pageOf(2, 5, false)))
	assert.False(t, s.ApplyOlderPage(pageOf(1, 5, false)))
	assert.Equal(t, 2, s.Page())
	assert.True(t, s.HasMore())
	assert.Len(t, s.Messages(), 10)
}

func TestOlderPageIgnoredUntilReady(t *testing.T) {
	s := New(convID, viewer)
	assert.False(t, s.ApplyOlderPage(pageOf(2, 5, false)))
	assert.Equal(t, 0, s.NextPage())
}

func TestNoDuplicateIDs(t *testing.T) {
	s := loaded(t, pageOf(1, 10, true))

	// A live insert that races the page it also belongs to.
	raced := pageOf(2, 10, false).Messages[9]
	inserted, _ := s.ApplyLiveInsert(raced)
	require.True(t, inserted)

	inserted, receipt := s.ApplyLiveInsert(raced)
	assert.False(t, inserted)
	assert.False(t, receipt)

	require.True(t, s.ApplyOlderPage(pageOf(2, 10, false)))
	msgs := s.Messages()
	assert.Len(t, msgs, 20)
	assertOrdered(t, msgs)
}

func TestNoDuplicateIDsRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := loaded(t, pageOf(1, 20, true))
	pool := append(pageOf(2, 20, true).Messages, pageOf(3, 20, false).Messages...)

	for i := 0; i < 200; i++ {
		m := pool[rng.Intn(len(pool))]
		s.ApplyLiveInsert(m)
	}
	s.ApplyOlderPage(pageOf(2, 20, true))
	s.ApplyOlderPage(pageOf(3, 20, false))

	msgs := s.Messages()
	assert.Len(t, msgs, 60)
	assertOrdered(t, msgs)
}

func TestLiveInsert(t *testing.T) {
	s := loaded(t, pageOf(1, 3, false))

	inserted, receipt := s.ApplyLiveInsert(msgAt("new-1", peer, 10))
	assert.True(t, inserted)
	assert.True(t, receipt, "a message from the peer needs a read receipt")

	inserted, receipt = s.ApplyLiveInsert(msgAt("new-2", viewer, 11))
	assert.True(t, inserted)
	assert.False(t, receipt, "own messages never trigger a receipt")

	other := msgAt("elsewhere", peer, 12)
	other.ConversationID = "c2"
	inserted, _ = s.ApplyLiveInsert(other)
	assert.False(t, inserted)

	assert.Equal(t, "new-2", s.Conversation().LastMessage.ID)
	assert.Equal(t, "new-2", ids(s.Messages())[4])
}

func TestLiveInsertOutOfOrderIsSorted(t *testing.T) {
	s := loaded(t, pageOf(1, 3, false))
	s.ApplyLiveInsert(msgAt("late", peer, 30))
	s.ApplyLiveInsert(msgAt("skewed", peer, 20))

	got := ids(s.Messages())
	assert.Equal(t, []string{"skewed", "late"}, got[len(got)-2:])
}

func TestOptimisticReplace(t *testing.T) {
	s := loaded(t, pageOf(1, 2, false))

	tmp, err := s.BeginSend("hello", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, tmp.IsTemporary())
	assert.Equal(t, models.StatusSending, tmp.Status)
	assert.Contains(t, ids(s.Messages()), tmp.ID)
	assert.Equal(t, 1, s.Pending())

	ack := &models.Message{ID: "m1", ConversationID: convID, SenderID: viewer, Content: "hello", CreatedAt: epoch.Add(time.Minute + time.Second), Status: models.StatusSent}
	require.NoError(t, s.ConfirmSend(tmp.ID, ack))

	count := 0
	for _, m := range s.Messages() {
		assert.NotEqual(t, tmp.ID, m.ID)
		if m.ID == "m1" {
			count++
			assert.Equal(t, models.StatusSent, m.Status)
			assert.Equal(t, "hello", m.Content)
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, s.Pending())
	assert.ErrorIs(t, s.ConfirmSend(tmp.ID, ack), ErrUnknownPending)
}

func TestConfirmAfterLiveEcho(t *testing.T) {
	s := loaded(t, pageOf(1, 2, false))
	tmp, err := s.BeginSend("hello", epoch)
	require.NoError(t, err)

	echo := &models.Message{ID: "m1", ConversationID: convID, SenderID: viewer, Content: "hello", CreatedAt: epoch, Status: models.StatusRead}
	s.ApplyLiveInsert(echo)

	require.NoError(t, s.ConfirmSend(tmp.ID, &models.Message{ID: "m1", ConversationID: convID, SenderID: viewer, Content: "hello", CreatedAt: epoch, Status: models.StatusSent}))

	msgs := s.Messages()
	assert.Len(t, msgs, 3)
	assert.Equal(t, models.StatusRead, msgs[len(msgs)-1].Status, "ack must not regress a read status")
}

func TestFailSendRestoresDraft(t *testing.T) {
	s := loaded(t, pageOf(1, 2, false))
	tmp, err := s.BeginSend("ollie north", epoch)
	require.NoError(t, err)

	draft, err := s.FailSend(tmp.ID)
	require.NoError(t, err)
	assert.Equal(t, "ollie north", draft)
	assert.NotContains(t, ids(s.Messages()), tmp.ID)

	_, err = s.FailSend(tmp.ID)
	assert.ErrorIs(t, err, ErrUnknownPending)
}

func TestBeginSendRejectsBlank(t *testing.T) {
	s := loaded(t, nil)
	_, err := s.BeginSend("  \n", epoch)
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, s.Messages())
}

func TestReadReceiptMonotonic(t *testing.T) {
	s := loaded(t, &models.MessagePage{Messages: []*models.Message{
		msgAt("a", viewer, 1),
		msgAt("b", peer, 2),
		msgAt("c", viewer, 3),
	}, Pagination: models.Pagination{Page: 1}})

	assert.Equal(t, 0, s.ApplyReadReceipt(convID, viewer), "own receipt is ignored")
	assert.Equal(t, 0, s.ApplyReadReceipt("c2", peer), "other conversation is ignored")
	assert.Equal(t, 2, s.ApplyReadReceipt(convID, peer))

	for _, m := range s.Messages() {
		if m.SenderID == viewer {
			assert.Equal(t, models.StatusRead, m.Status)
		} else {
			assert.Equal(t, models.StatusSent, m.Status)
		}
	}

	// A stale copy with a lower status must not regress.
	s.ApplyLiveInsert(msgAt("a", viewer, 1))
	require.True(t, s.ApplyOlderPage(&models.MessagePage{Messages: []*models.Message{msgAt("c", viewer, 3)}, Pagination: models.Pagination{Page: 2}}))
	for _, m := range s.Messages() {
		if m.SenderID == viewer {
			assert.Equal(t, models.StatusRead, m.Status, m.ID)
		}
	}
}

func TestReadReceiptCoversPendingSend(t *testing.T) {
	s := loaded(t, nil)
	tmp, err := s.BeginSend("hi", epoch)
	require.NoError(t, err)

	s.ApplyReadReceipt(convID, peer)
	require.NoError(t, s.ConfirmSend(tmp.ID, &models.Message{ID: "m1", ConversationID: convID, SenderID: viewer, Content: "hi", CreatedAt: epoch, Status: models.StatusSent}))
	assert.Equal(t, models.StatusRead, s.Messages()[0].Status)
}

func TestFailAndReset(t *testing.T) {
	s := New(convID, viewer)
	s.Fail(assert.AnError)
	assert.Equal(t, StateError, s.State())
	assert.ErrorIs(t, s.Err(), assert.AnError)

	s.Reset()
	assert.Equal(t, StateLoading, s.State())
	assert.NoError(t, s.Err())

	s.Load(&models.Conversation{ID: convID}, pageOf(1, 2, true))
	assert.Equal(t, StateReady, s.State())
	assert.Len(t, s.Messages(), 2)
}

func TestResetKeepsPendingSends(t *testing.T) {
	s := New(convID, viewer)
	s.Fail(assert.AnError)
	tmp, err := s.BeginSend("still sending", epoch.Add(time.Minute))
	require.NoError(t, err)

	s.Reset()
	assert.Equal(t, 1, s.Pending())
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, tmp.ID, s.Messages()[0].ID)

	s.Load(&models.Conversation{ID: convID}, pageOf(1, 3, false))
	assert.Len(t, s.Messages(), 4)

	draft, err := s.FailSend(tmp.ID)
	require.NoError(t, err)
	assert.Equal(t, "still sending", draft)
	assert.Len(t, s.Messages(), 3)
	assert.Zero(t, s.Pending())
}

func TestLiveInsertWhileLoadingSurvivesLoad(t *testing.T) {
	s := New(convID, viewer)
	inserted, _ := s.ApplyLiveInsert(msgAt("early", peer, 100))
	require.True(t, inserted)

	s.Load(&models.Conversation{ID: convID}, pageOf(1, 3, false))
	got := ids(s.Messages())
	assert.Len(t, got, 4)
	assert.Equal(t, "early", got[3])
}
