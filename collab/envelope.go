package collab

import "time"

// Inbound envelope types (client -> actor).
const (
	TypeEdit   = "edit"
	TypeCursor = "cursor"
	TypeTyping = "typing"
	TypeVote   = "vote"
	TypeChat   = "chat"
)

// Outbound envelope types (actor -> client).
const (
	TypeInit         = "init"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeCursorUpdate = "cursor-update"
	TypeVoteUpdate   = "vote-update"
	TypeChatMessage  = "chat-message"
)

// Envelope is the inbound wire frame, discriminated by Type. Unknown
// or malformed frames are logged and dropped; the connection stays
// open.
type Envelope struct {
	Type string `json:"type"`

	// edit
	Action *EditAction `json:"action,omitempty"`

	// cursor
	Cursor *Cursor `json:"cursor,omitempty"`

	// typing, vote
	ActivityID string `json:"activityId,omitempty"`

	// vote
	Vote Vote `json:"vote,omitempty"`

	// chat
	Text string `json:"text,omitempty"`
}

// Cursor is a client's position inside the document. Display-only.
type Cursor struct {
	DayNumber  int    `json:"dayNumber"`
	ActivityID string `json:"activityId,omitempty"`
}

// Vote values per activity and user.
type Vote string

const (
	VoteUp      Vote = "up"
	VoteDown    Vote = "down"
	VoteNeutral Vote = "neutral"
)

func (v Vote) valid() bool {
	return v == VoteUp || v == VoteDown || v == VoteNeutral
}

// VoteTotals are the recomputed per-activity counts.
type VoteTotals struct {
	Up      int `json:"up"`
	Down    int `json:"down"`
	Neutral int `json:"neutral"`
}

// Participant is the identity attached to one connection at join time.
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"displayName"`
	Email  string `json:"email,omitempty"`
	Color  string `json:"color"`
}

// Presence is the ephemeral per-connection entry. It exists only while
// the owning connection is open and is never persisted.
type Presence struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"displayName"`
	Color      string    `json:"color"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Cursor     *Cursor   `json:"cursor,omitempty"`
}

type initMsg struct {
	Type         string      `json:"type"`
	Document     *Itinerary  `json:"document"`
	AssignedUser Participant `json:"assignedUser"`
	Presence     []Presence  `json:"presence"`
}

type userJoinedMsg struct {
	Type string      `json:"type"`
	User Participant `json:"user"`
}

type userLeftMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type editMsg struct {
	Type   string      `json:"type"`
	Action EditAction  `json:"action"`
	User   Participant `json:"user"`
}

type cursorUpdateMsg struct {
	Type   string  `json:"type"`
	UserID string  `json:"userId"`
	Cursor *Cursor `json:"cursor"`
}

type typingMsg struct {
	Type       string `json:"type"`
	ActivityID string `json:"activityId"`
	Name       string `json:"displayName"`
}

type voteUpdateMsg struct {
	Type       string     `json:"type"`
	ActivityID string     `json:"activityId"`
	Votes      VoteTotals `json:"votes"`
}

type chatMsg struct {
	Type      string      `json:"type"`
	User      Participant `json:"user"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}
