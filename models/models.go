package models

import "time"

// FriendRequestStatus is the lifecycle state of a friend request.
// Accepted and declined are terminal for a record; a new request
// between the same pair after a decline creates a new record.
type FriendRequestStatus string

const (
	RequestPending  FriendRequestStatus = "pending"
	RequestAccepted FriendRequestStatus = "accepted"
	RequestDeclined FriendRequestStatus = "declined"
)

type User struct {
	ID        string    `json:"userId"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Password  string    `json:"-"` // bcrypt hash
	Avatar    string    `json:"avatar"`
	FriendIDs []string  `json:"friendIds"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
}

type FriendRequest struct {
	ID         string              `json:"requestId"`
	SenderID   string              `json:"senderId"`
	SenderName string              `json:"senderName,omitempty"`
	ReceiverID string              `json:"receiverId"`
	Status     FriendRequestStatus `json:"status"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

// Conversation holds an ordered sequence of messages among a fixed set
// of participants. A non-group conversation has exactly two participants
// and is unique per pair.
type Conversation struct {
	ID             string    `json:"conversationId"`
	ParticipantIDs []string  `json:"participantIds"`
	IsGroup        bool      `json:"isGroup"`
	GroupName      string    `json:"groupName,omitempty"`
	GroupAdmin     string    `json:"groupAdmin,omitempty"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Text           string     `json:"text"`
	Seen           bool       `json:"seen"`
	CreatedAt      time.Time  `json:"createdAt"`
	SeenAt         *time.Time `json:"seenAt,omitempty"`
}
