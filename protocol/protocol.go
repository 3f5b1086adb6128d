// Package protocol defines the wire format between clients and the
// server: one JSON event envelope per newline-terminated frame.
//
//	{"type":"privateMessage","data":{"recipientId":"...","message":"hi"}}
//
// The set of event types is closed; frames carrying an unknown type are
// rejected at the transport boundary before any handler runs.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrUnknownType  = errors.New("unknown event type")
)

// Client -> server event types.
const (
	TypeAuth                   = "auth"
	TypePing                   = "ping"
	TypeSendFriendRequest      = "sendFriendRequest"
	TypeRespondToFriendRequest = "respondToFriendRequest"
	TypePrivateMessage         = "privateMessage"
	TypeCreateGroup            = "createGroupConversation"
	TypeUpdateStatus           = "updateStatus"
	TypeTyping                 = "typing"
	TypeMessageSeen            = "messageSeen"
	TypeUpdateProfile          = "updateProfile"
	TypeConversationHistory    = "conversationHistory"
)

// Server -> client event types.
const (
	TypePong                  = "pong"
	TypeOnlineUsers           = "onlineUsers"
	TypeFriendRequests        = "friendRequests"
	TypeUserOnline            = "userOnline"
	TypeUserOffline           = "userOffline"
	TypeUserStatusUpdate      = "userStatusUpdate"
	TypeUserProfileUpdate     = "userProfileUpdate"
	TypeNewFriendRequest      = "newFriendRequest"
	TypeFriendRequestSent     = "friendRequestSent"
	TypeFriendRequestError    = "friendRequestError"
	TypeFriendRequestAccepted = "friendRequestAccepted"
	TypeFriendAdded           = "friendAdded"
	TypeFriendRequestResponse = "friendRequestResponse"
	TypeNewMessage            = "newMessage"
	TypeMessageDelivered      = "messageDelivered"
	TypeMessageError          = "messageError"
	TypeMessageSeenUpdate     = "messageSeenUpdate"
	TypeUserTyping            = "userTyping"
	TypeAddedToGroup          = "addedToGroup"
	TypeGroupCreated          = "groupCreated"
	TypeGroupError            = "groupError"
	TypeError                 = "error"
)

var clientTypes = map[string]bool{
	TypeAuth:                   true,
	TypePing:                   true,
	TypeSendFriendRequest:      true,
	TypeRespondToFriendRequest: true,
	TypePrivateMessage:         true,
	TypeCreateGroup:            true,
	TypeUpdateStatus:           true,
	TypeTyping:                 true,
	TypeMessageSeen:            true,
	TypeUpdateProfile:          true,
	TypeConversationHistory:    true,
}

// Event is a decoded envelope. Data is left raw; each handler decodes
// its own payload type exactly once.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a single frame and checks that the type belongs to the
// client-side union.
func Decode(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if ev.Type == "" {
		return nil, ErrInvalidFrame
	}
	if !clientTypes[ev.Type] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	return &ev, nil
}

// Encode marshals an envelope into a newline-terminated frame.
func Encode(eventType string, payload any) ([]byte, error) {
	ev := Event{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ev.Data = data
	}
	frame, err := json.Marshal(&ev)
	if err != nil {
		return nil, err
	}
	return append(frame, '\n'), nil
}
