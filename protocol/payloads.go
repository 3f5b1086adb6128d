package protocol

import (
	"time"

	"chatd/models"
)

// Client payloads.

type Auth struct {
	Token string `json:"token"`
}

type SendFriendRequest struct {
	ReceiverID string `json:"receiverId"`
}

type RespondToFriendRequest struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"` // "accepted" or "declined"
}

type PrivateMessage struct {
	RecipientID    string `json:"recipientId"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type CreateGroup struct {
	ParticipantIDs []string `json:"participantIds"`
	GroupName      string   `json:"groupName"`
}

type UpdateStatus struct {
	Status string `json:"status"`
}

type Typing struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type MessageSeen struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type UpdateProfile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type ConversationHistory struct {
	ConversationID string `json:"conversationId"`
	Offset         int    `json:"offset"`
	Limit          int    `json:"limit"`
}

// Server payloads.

// OnlineUser is one entry of the onlineUsers snapshot and the body of
// userOnline / userOffline / userStatusUpdate broadcasts.
type OnlineUser struct {
	UserID   string    `json:"userId"`
	Name     string    `json:"name,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

type ProfileUpdate struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type NewFriendRequest struct {
	Request *models.FriendRequest `json:"request"`
}

type FriendRequestResponse struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
	UserID    string `json:"userId"` // the responder
}

type FriendAdded struct {
	UserID    string   `json:"userId"` // the new friend
	Name      string   `json:"name,omitempty"`
	FriendIDs []string `json:"friendIds"`
}

type NewMessage struct {
	Message        *models.Message `json:"message"`
	ConversationID string          `json:"conversationId"`
}

type MessageDelivered struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageSeenUpdate struct {
	MessageID string    `json:"messageId"`
	SeenBy    string    `json:"seenBy"`
	SeenAt    time.Time `json:"seenAt"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type AddedToGroup struct {
	Conversation *models.Conversation `json:"conversation"`
	AddedBy      string               `json:"addedBy"`
}

type GroupCreated struct {
	Conversation *models.Conversation `json:"conversation"`
}

type HistoryPage struct {
	ConversationID string           `json:"conversationId"`
	Messages       []models.Message `json:"messages"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}
