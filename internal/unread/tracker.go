package unread

import (
	"strconv"

	"skatedm-client/internal/models"
)

// Action tells the caller what to do after feeding an event to the Tracker.
type Action int

const (
	ActionNone Action = iota
	ActionIncrement
	ActionRefetch
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionIncrement:
		return "increment"
	case ActionRefetch:
		return "refetch"
	}
	return "unknown"
}

// MaxBadge is the largest count rendered as a number.
const MaxBadge = 99

// Tracker owns the session-wide unread badge. Like conversation.Store it is
// not safe for concurrent use.
type Tracker struct {
	viewerID string
	count    int
	seeded   bool
	active   string

	refetchSeq    uint64
	latestRefetch uint64
	inFlight      bool
}

func NewTracker(viewerID string) *Tracker {
	return &Tracker{viewerID: viewerID}
}

// Seed sets the baseline from the REST count.
func (t *Tracker) Seed(n int) {
	t.count = max(n, 0)
	t.seeded = true
}

func (t *Tracker) Seeded() bool { return t.seeded }

// SetActiveConversation records the conversation currently on screen; "" for none.
func (t *Tracker) SetActiveConversation(id string) { t.active = id }

func (t *Tracker) ActiveConversation() string { return t.active }

// OnLiveInsert applies a pushed message.
func (t *Tracker) OnLiveInsert(msg *models.Message) Action {
	if msg == nil || msg.SenderID == t.viewerID {
		return ActionNone
	}
	if t.active != "" && msg.ConversationID == t.active {
		return ActionRefetch
	}
	t.count++
	return ActionIncrement
}

// OnReadReceipt always asks for a refetch: one receipt covers an unknown
// number of messages.
func (t *Tracker) OnReadReceipt() Action {
	return ActionRefetch
}

// BeginRefetch issues a token for a refetch about to be sent.
func (t *Tracker) BeginRefetch() uint64 {
	t.refetchSeq++
	t.latestRefetch = t.refetchSeq
	t.inFlight = true
	return t.refetchSeq
}

// RefetchInFlight reports whether the latest refetch is still unanswered.
// An increment applied meanwhile may be missing from its answer, so the
// caller should issue a fresh refetch to supersede it.
func (t *Tracker) RefetchInFlight() bool { return t.inFlight }

// ApplyRefetch stores n if token belongs to the most recent refetch.
// Late answers to superseded refetches are dropped.
func (t *Tracker) ApplyRefetch(token uint64, n int) bool {
	if token != t.latestRefetch {
		return false
	}
	t.inFlight = false
	t.Seed(n)
	return true
}

// AbandonRefetch records that the refetch for token failed.
func (t *Tracker) AbandonRefetch(token uint64) {
	if token == t.latestRefetch {
		t.inFlight = false
	}
}

func (t *Tracker) Count() int { return t.count }

func (t *Tracker) Label() string { return FormatBadge(t.count) }

// FormatBadge renders a badge count: empty for zero, "99+" above MaxBadge.
func FormatBadge(n int) string {
	switch {
	case n <= 0:
		return ""
	case n > MaxBadge:
		return strconv.Itoa(MaxBadge) + "+"
	}
	return strconv.Itoa(n)
}
