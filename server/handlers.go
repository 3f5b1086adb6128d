package server

import (
	"encoding/json"
	"errors"

	"chatd/db"
	"chatd/models"
	"chatd/presence"
	"chatd/protocol"
)

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(data, v)
}

// sendPolicy reports a refused operation to the originating connection
// only. Policy failures never change persistent state and are never
// broadcast.
func sendPolicy(sender *connSender, eventType string, perr *PolicyError) {
	sender.Send(eventType, protocol.ErrorMessage{Message: perr.Message})
}

// sendInternal reports a persistence failure to the originator. A
// partially applied operation must never be reported as success.
func (s *Server) sendInternal(sender *connSender, eventType string, err error, context string) {
	s.log.WithError(err).Error(context)
	sender.Send(eventType, protocol.ErrorMessage{Message: "internal error"})
}

// handleEvent dispatches one decoded client event. The return value
// reports whether the connection should stay open.
func (s *Server) handleEvent(sess *presence.Session, sender *connSender, ev *protocol.Event) bool {
	switch ev.Type {
	case protocol.TypePing:
		sender.Send(protocol.TypePong, nil)
	case protocol.TypeAuth:
		// Identity is fixed at handshake time; re-authentication is
		// not a thing mid-connection.
		sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "already authenticated"})
	case protocol.TypeSendFriendRequest:
		s.handleSendFriendRequest(sess, sender, ev.Data)
	case protocol.TypeRespondToFriendRequest:
		s.handleRespondToFriendRequest(sess, sender, ev.Data)
	case protocol.TypePrivateMessage:
		s.handlePrivateMessage(sess, sender, ev.Data)
	case protocol.TypeCreateGroup:
		s.handleCreateGroup(sess, sender, ev.Data)
	case protocol.TypeUpdateStatus:
		s.handleUpdateStatus(sess, sender, ev.Data)
	case protocol.TypeTyping:
		s.handleTyping(sess, ev.Data)
	case protocol.TypeMessageSeen:
		s.handleMessageSeen(sess, sender, ev.Data)
	case protocol.TypeUpdateProfile:
		return s.handleUpdateProfile(sess, sender, ev.Data)
	case protocol.TypeConversationHistory:
		s.handleConversationHistory(sess, sender, ev.Data)
	}
	return true
}

func (s *Server) handleSendFriendRequest(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.SendFriendRequest
	if err := unmarshal(data, &p); err != nil || p.ReceiverID == "" {
		sender.Send(protocol.TypeFriendRequestError, protocol.ErrorMessage{Message: "receiverId is required"})
		return
	}
	if p.ReceiverID == sess.UserID {
		sender.Send(protocol.TypeFriendRequestError, protocol.ErrorMessage{Message: "cannot send a friend request to yourself"})
		return
	}

	if _, err := s.db.FindUserByID(p.ReceiverID); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonNotFound, "user not found"))
		} else {
			s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend request receiver lookup failed")
		}
		return
	}

	friends, err := s.db.AreFriends(sess.UserID, p.ReceiverID)
	if err != nil {
		s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend edge lookup failed")
		return
	}
	if friends {
		sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonAlreadyFriends, "you are already friends"))
		return
	}

	// At most one non-declined request per pair, in either direction.
	existing, err := s.db.FindActiveFriendRequestBetween(sess.UserID, p.ReceiverID)
	if err != nil && !errors.Is(err, db.ErrNoRows) {
		s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend request lookup failed")
		return
	}
	if existing != nil {
		sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonDuplicate, "a friend request between you already exists"))
		return
	}

	req, err := s.db.CreateFriendRequest(sess.UserID, p.ReceiverID)
	if err != nil {
		// The insert itself is the pair-uniqueness guard; a concurrent
		// request from the other side can slip past the lookup above.
		if errors.Is(err, db.ErrAlreadyExists) {
			sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonDuplicate, "a friend request between you already exists"))
		} else {
			s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend request create failed")
		}
		return
	}
	req.SenderName = sess.Name

	if receiver, ok := s.registry.Find(p.ReceiverID); ok {
		receiver.Send(protocol.TypeNewFriendRequest, protocol.NewFriendRequest{Request: req})
	}
	sender.Send(protocol.TypeFriendRequestSent, req)
}

func (s *Server) handleRespondToFriendRequest(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.RespondToFriendRequest
	if err := unmarshal(data, &p); err != nil || p.RequestID == "" {
		sender.Send(protocol.TypeFriendRequestError, protocol.ErrorMessage{Message: "requestId is required"})
		return
	}
	if p.Response != string(models.RequestAccepted) && p.Response != string(models.RequestDeclined) {
		sender.Send(protocol.TypeFriendRequestError, protocol.ErrorMessage{Message: "response must be accepted or declined"})
		return
	}

	req, err := s.db.FindFriendRequest(p.RequestID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonNotFound, "friend request not found"))
		} else {
			s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend request lookup failed")
		}
		return
	}
	// Only the addressed receiver may respond.
	if req.ReceiverID != sess.UserID {
		sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonUnauthorized, "not your friend request"))
		return
	}
	if req.Status != models.RequestPending {
		sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonNotFound, "friend request already handled"))
		return
	}

	if p.Response == string(models.RequestDeclined) {
		s.declineFriendRequest(sess, sender, req)
		return
	}
	s.acceptFriendRequest(sess, sender, req)
}

func (s *Server) declineFriendRequest(sess *presence.Session, sender *connSender, req *models.FriendRequest) {
	if err := s.db.UpdateFriendRequestStatus(req.ID, models.RequestDeclined); err != nil {
		if errors.Is(err, db.ErrNotPending) {
			sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonNotFound, "friend request already handled"))
		} else {
			s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend request decline failed")
		}
		return
	}

	response := protocol.FriendRequestResponse{
		RequestID: req.ID,
		Response:  string(models.RequestDeclined),
		UserID:    sess.UserID,
	}
	if requester, ok := s.registry.Find(req.SenderID); ok {
		requester.Send(protocol.TypeFriendRequestResponse, response)
	}
	sender.Send(protocol.TypeFriendRequestResponse, response)
}

func (s *Server) acceptFriendRequest(sess *presence.Session, sender *connSender, req *models.FriendRequest) {
	// The status flip and both adjacency rows land atomically; a
	// one-sided edge is never observable.
	if _, err := s.db.AcceptFriendRequest(req.ID); err != nil {
		if errors.Is(err, db.ErrNotPending) || errors.Is(err, db.ErrNoRows) {
			sendPolicy(sender, protocol.TypeFriendRequestError, policyErr(ReasonNotFound, "friend request already handled"))
		} else {
			s.sendInternal(sender, protocol.TypeFriendRequestError, err, "friend request accept failed")
		}
		return
	}

	requesterUser, err := s.db.FindUserByID(req.SenderID)
	if err != nil {
		s.log.WithError(err).Error("requester lookup failed after accept")
		requesterUser = &models.User{ID: req.SenderID}
	}
	responderFriends, err := s.db.FindUserFriendIDs(sess.UserID)
	if err != nil {
		s.log.WithError(err).Error("friend list refresh failed")
	}

	// Both live friend snapshots must reflect the new edge.
	s.registry.RefreshFriends(req.SenderID, requesterUser.FriendIDs)
	s.registry.RefreshFriends(sess.UserID, responderFriends)

	if requester, ok := s.registry.Find(req.SenderID); ok {
		requester.Send(protocol.TypeFriendRequestAccepted, protocol.FriendAdded{
			UserID:    sess.UserID,
			Name:      sess.Name,
			FriendIDs: requesterUser.FriendIDs,
		})
	}
	sender.Send(protocol.TypeFriendAdded, protocol.FriendAdded{
		UserID:    req.SenderID,
		Name:      requesterUser.Name,
		FriendIDs: responderFriends,
	})
}

// isFriend checks the sender's live snapshot first and falls back to
// the durable adjacency. The snapshot can only lag behind the store in
// the negative direction, because edges are never removed in-band.
func (s *Server) isFriend(userID, otherID string) (bool, error) {
	if s.registry.IsFriend(userID, otherID) {
		return true, nil
	}
	return s.db.AreFriends(userID, otherID)
}

func (s *Server) handlePrivateMessage(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.PrivateMessage
	if err := unmarshal(data, &p); err != nil || p.Message == "" {
		sender.Send(protocol.TypeMessageError, protocol.ErrorMessage{Message: "message text is required"})
		return
	}
	if p.RecipientID == "" && p.ConversationID == "" {
		sender.Send(protocol.TypeMessageError, protocol.ErrorMessage{Message: "recipientId is required"})
		return
	}

	conv, perr, err := s.resolveConversation(sess, &p)
	if err != nil {
		s.sendInternal(sender, protocol.TypeMessageError, err, "conversation resolve failed")
		return
	}
	if perr != nil {
		sendPolicy(sender, protocol.TypeMessageError, perr)
		return
	}

	msg, err := s.db.AppendMessage(conv.ID, sess.UserID, p.Message)
	if err != nil {
		// Not persisted, so no delivery ack.
		s.sendInternal(sender, protocol.TypeMessageError, err, "message persist failed")
		return
	}

	// Push to every reachable participant; offline participants read
	// the message from history when they return.
	push := protocol.NewMessage{Message: msg, ConversationID: conv.ID}
	for _, pid := range conv.ParticipantIDs {
		if pid == sess.UserID {
			continue
		}
		if recipient, ok := s.registry.Find(pid); ok {
			recipient.Send(protocol.TypeNewMessage, push)
		}
	}

	// Durably recorded, which is what this ack means; it says nothing
	// about the recipient having seen anything.
	sender.Send(protocol.TypeMessageDelivered, protocol.MessageDelivered{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		Timestamp:      msg.CreatedAt,
	})
}

// resolveConversation loads the target conversation for a message and
// enforces the participation and friendship preconditions before
// anything is written.
func (s *Server) resolveConversation(sess *presence.Session, p *protocol.PrivateMessage) (*models.Conversation, *PolicyError, error) {
	if p.ConversationID != "" {
		conv, err := s.db.FindConversationByID(p.ConversationID)
		if errors.Is(err, db.ErrNoRows) {
			return nil, policyErr(ReasonNotFound, "conversation not found"), nil
		}
		if err != nil {
			return nil, nil, err
		}
		if !containsID(conv.ParticipantIDs, sess.UserID) {
			return nil, policyErr(ReasonUnauthorized, "not a participant of this conversation"), nil
		}
		if !conv.IsGroup {
			friends, err := s.isFriend(sess.UserID, otherParticipant(conv.ParticipantIDs, sess.UserID))
			if err != nil {
				return nil, nil, err
			}
			if !friends {
				return nil, policyErr(ReasonNotFriends, "you can only message friends"), nil
			}
		}
		return conv, nil, nil
	}

	// Friend precondition first: a non-friend send must leave no record
	// behind, not even the conversation.
	friends, err := s.isFriend(sess.UserID, p.RecipientID)
	if err != nil {
		return nil, nil, err
	}
	if !friends {
		return nil, policyErr(ReasonNotFriends, "you can only message friends"), nil
	}

	conv, err := s.db.FindOrCreateDirectConversation(sess.UserID, p.RecipientID)
	if err != nil {
		return nil, nil, err
	}
	return conv, nil, nil
}

func (s *Server) handleCreateGroup(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.CreateGroup
	if err := unmarshal(data, &p); err != nil || len(p.ParticipantIDs) == 0 {
		sender.Send(protocol.TypeGroupError, protocol.ErrorMessage{Message: "participantIds are required"})
		return
	}
	if p.GroupName == "" {
		sender.Send(protocol.TypeGroupError, protocol.ErrorMessage{Message: "groupName is required"})
		return
	}

	seen := map[string]bool{sess.UserID: true}
	for _, pid := range p.ParticipantIDs {
		if seen[pid] {
			sender.Send(protocol.TypeGroupError, protocol.ErrorMessage{Message: "duplicate participant"})
			return
		}
		seen[pid] = true

		// Every invitee must be a friend of the creator. Invitees are
		// not required to be friends of each other.
		friends, err := s.isFriend(sess.UserID, pid)
		if err != nil {
			s.sendInternal(sender, protocol.TypeGroupError, err, "friend edge lookup failed")
			return
		}
		if !friends {
			sendPolicy(sender, protocol.TypeGroupError, policyErr(ReasonNotAllFriends, "all participants must be your friends"))
			return
		}
	}

	conv, err := s.db.CreateGroupConversation(sess.UserID, p.ParticipantIDs, p.GroupName)
	if err != nil {
		s.sendInternal(sender, protocol.TypeGroupError, err, "group create failed")
		return
	}

	for _, pid := range p.ParticipantIDs {
		if member, ok := s.registry.Find(pid); ok {
			member.Send(protocol.TypeAddedToGroup, protocol.AddedToGroup{
				Conversation: conv,
				AddedBy:      sess.UserID,
			})
		}
	}
	sender.Send(protocol.TypeGroupCreated, protocol.GroupCreated{Conversation: conv})
}

func (s *Server) handleUpdateStatus(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.UpdateStatus
	if err := unmarshal(data, &p); err != nil || !presence.ValidStatus(p.Status) {
		sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "status must be online, away, or busy"})
		return
	}
	s.registry.UpdateStatus(sess.UserID, presence.Status(p.Status))
}

func (s *Server) handleTyping(sess *presence.Session, data json.RawMessage) {
	var p protocol.Typing
	if err := unmarshal(data, &p); err != nil || p.RecipientID == "" {
		// Typing is fire-and-forget; a malformed indicator is dropped.
		return
	}
	if recipient, ok := s.registry.Find(p.RecipientID); ok {
		recipient.Send(protocol.TypeUserTyping, protocol.UserTyping{
			UserID:   sess.UserID,
			IsTyping: p.IsTyping,
		})
	}
}

func (s *Server) handleMessageSeen(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.MessageSeen
	if err := unmarshal(data, &p); err != nil || p.MessageID == "" {
		sender.Send(protocol.TypeMessageError, protocol.ErrorMessage{Message: "messageId is required"})
		return
	}

	msg, err := s.db.FindMessageByID(p.MessageID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sendPolicy(sender, protocol.TypeMessageError, policyErr(ReasonNotFound, "message not found"))
		} else {
			s.sendInternal(sender, protocol.TypeMessageError, err, "message lookup failed")
		}
		return
	}

	conv, err := s.db.FindConversationByID(msg.ConversationID)
	if err != nil {
		s.sendInternal(sender, protocol.TypeMessageError, err, "conversation lookup failed")
		return
	}
	if !containsID(conv.ParticipantIDs, sess.UserID) {
		sendPolicy(sender, protocol.TypeMessageError, policyErr(ReasonUnauthorized, "not a participant of this conversation"))
		return
	}

	msg, first, err := s.db.MarkMessageSeen(p.MessageID)
	if err != nil {
		s.sendInternal(sender, protocol.TypeMessageError, err, "message seen update failed")
		return
	}
	// Only the actual false->true transition is announced; re-marking
	// never re-emits with a fresh timestamp.
	if !first || msg.SeenAt == nil {
		return
	}
	if origin, ok := s.registry.Find(msg.SenderID); ok {
		origin.Send(protocol.TypeMessageSeenUpdate, protocol.MessageSeenUpdate{
			MessageID: msg.ID,
			SeenBy:    sess.UserID,
			SeenAt:    *msg.SeenAt,
		})
	}
}

// handleUpdateProfile reports whether the connection may stay open. An
// account that no longer resolves under a live session is fatal for
// that connection.
func (s *Server) handleUpdateProfile(sess *presence.Session, sender *connSender, data json.RawMessage) bool {
	var p protocol.UpdateProfile
	if err := unmarshal(data, &p); err != nil || p.Name == "" {
		sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "name is required"})
		return true
	}

	if err := s.db.UpdateUserProfile(sess.UserID, p.Name, p.Avatar); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "account no longer exists"})
			return false
		}
		s.sendInternal(sender, protocol.TypeError, err, "profile update failed")
		return true
	}
	s.registry.UpdateProfile(sess.UserID, p.Name, p.Avatar)
	return true
}

func (s *Server) handleConversationHistory(sess *presence.Session, sender *connSender, data json.RawMessage) {
	var p protocol.ConversationHistory
	if err := unmarshal(data, &p); err != nil || p.ConversationID == "" {
		sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "conversationId is required"})
		return
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}

	conv, err := s.db.FindConversationByID(p.ConversationID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sendPolicy(sender, protocol.TypeError, policyErr(ReasonNotFound, "conversation not found"))
		} else {
			s.sendInternal(sender, protocol.TypeError, err, "conversation lookup failed")
		}
		return
	}
	if !containsID(conv.ParticipantIDs, sess.UserID) {
		sendPolicy(sender, protocol.TypeError, policyErr(ReasonUnauthorized, "not a participant of this conversation"))
		return
	}

	messages, err := s.db.GetMessages(conv.ID, p.Offset, p.Limit)
	if err != nil {
		s.sendInternal(sender, protocol.TypeError, err, "history load failed")
		return
	}
	sender.Send(protocol.TypeConversationHistory, protocol.HistoryPage{
		ConversationID: conv.ID,
		Messages:       messages,
	})
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func otherParticipant(ids []string, userID string) string {
	for _, candidate := range ids {
		if candidate != userID {
			return candidate
		}
	}
	return ""
}
