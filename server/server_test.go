package server

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatd/auth"
	"chatd/db"
	"chatd/models"
	"chatd/protocol"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "chatd-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name()) // sqlite recreates it

	database, err := db.New(tmpfile.Name())
	require.NoError(t, err)

	config := &ServerConfig{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	srv := New(database, auth.New([]byte("test-secret")), config)

	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})
	return srv
}

func createTestUser(t *testing.T, srv *Server, name, email string) *models.User {
	t.Helper()
	user, err := srv.db.CreateUser(name, email, "password123", "")
	require.NoError(t, err)
	return user
}

func makeFriends(t *testing.T, srv *Server, a, b *models.User) {
	t.Helper()
	req, err := srv.db.CreateFriendRequest(a.ID, b.ID)
	require.NoError(t, err)
	_, err = srv.db.AcceptFriendRequest(req.ID)
	require.NoError(t, err)
}

// testClient simulates one connected client over a net.Pipe. A pump
// goroutine keeps draining server frames into a channel so that server
// pushes never stall on an unread pipe.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	events  chan protocol.Event
	backlog []protocol.Event
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)

	c := &testClient{
		t:      t,
		conn:   clientConn,
		events: make(chan protocol.Event, 64),
	}
	go c.pump()

	t.Cleanup(func() { clientConn.Close() })
	return c
}

func (c *testClient) pump() {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			close(c.events)
			return
		}
		var ev protocol.Event
		if json.Unmarshal(line, &ev) == nil {
			c.events <- ev
		}
	}
}

func (c *testClient) send(eventType string, payload any) {
	c.t.Helper()
	frame, err := protocol.Encode(eventType, payload)
	require.NoError(c.t, err)
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

// await returns the next event of the given type, buffering any other
// events seen on the way so later awaits can still find them.
func (c *testClient) await(eventType string) *protocol.Event {
	c.t.Helper()

	for i := range c.backlog {
		if c.backlog[i].Type == eventType {
			ev := c.backlog[i]
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return &ev
		}
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %q", eventType)
				return nil
			}
			if ev.Type == eventType {
				return &ev
			}
			c.backlog = append(c.backlog, ev)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %q", eventType)
			return nil
		}
	}
}

// expectNone asserts that no event of the given type is pending after a
// short grace period.
func (c *testClient) expectNone(eventType string) {
	c.t.Helper()

	for _, ev := range c.backlog {
		if ev.Type == eventType {
			c.t.Fatalf("unexpected %q event", eventType)
		}
	}

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.Type == eventType {
				c.t.Fatalf("unexpected %q event", eventType)
			}
			c.backlog = append(c.backlog, ev)
		case <-deadline:
			return
		}
	}
}

func (c *testClient) awaitClosed() {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
			return
		}
	}
}

// testAuth shares the secret configured in setupTestServer, so its
// tokens pass the server's handshake.
var testAuth = auth.New([]byte("test-secret"))

func (c *testClient) authenticate(user *models.User) {
	c.t.Helper()
	token, err := testAuth.Issue(user.ID, user.Email, time.Hour)
	require.NoError(c.t, err)
	c.send(protocol.TypeAuth, protocol.Auth{Token: token})
}

// connect performs a full handshake and consumes the connect-time
// snapshots.
func connect(t *testing.T, srv *Server, user *models.User) *testClient {
	t.Helper()
	c := newTestClient(t, srv)
	c.authenticate(user)
	c.await(protocol.TypeOnlineUsers)
	c.await(protocol.TypeFriendRequests)
	return c
}

func decodeData[T any](t *testing.T, ev *protocol.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

// Handshake

func TestHandshakeRejectsBadToken(t *testing.T) {
	srv := setupTestServer(t)

	c := newTestClient(t, srv)
	c.send(protocol.TypeAuth, protocol.Auth{Token: "garbage"})

	c.await(protocol.TypeError)
	c.awaitClosed()
	assert.Equal(t, 0, srv.registry.Len())
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	srv := setupTestServer(t)

	c := newTestClient(t, srv)
	c.send(protocol.TypeAuth, protocol.Auth{})

	ev := c.await(protocol.TypeError)
	msg := decodeData[protocol.ErrorMessage](t, ev)
	assert.Equal(t, "no token provided", msg.Message)
	c.awaitClosed()
}

func TestHandshakeRequiresAuthFirst(t *testing.T) {
	srv := setupTestServer(t)

	c := newTestClient(t, srv)
	c.send(protocol.TypePing, nil)

	c.await(protocol.TypeError)
	c.awaitClosed()
	assert.Equal(t, 0, srv.registry.Len())
}

func TestHandshakeRejectsDeletedAccount(t *testing.T) {
	srv := setupTestServer(t)

	// A well-signed token whose account no longer resolves is fatal.
	token, err := testAuth.Issue("ghost", "ghost@example.com", time.Hour)
	require.NoError(t, err)

	c := newTestClient(t, srv)
	c.send(protocol.TypeAuth, protocol.Auth{Token: token})

	ev := c.await(protocol.TypeError)
	msg := decodeData[protocol.ErrorMessage](t, ev)
	assert.Equal(t, "unknown user", msg.Message)
	c.awaitClosed()
}

func TestHandshakeReportsStoreFailure(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")

	// A store failure during the account lookup is not a deleted
	// account and must not be reported as one.
	require.NoError(t, srv.db.Close())

	c := newTestClient(t, srv)
	c.authenticate(alice)

	ev := c.await(protocol.TypeError)
	msg := decodeData[protocol.ErrorMessage](t, ev)
	assert.Equal(t, "internal error", msg.Message)
	c.awaitClosed()
	assert.Equal(t, 0, srv.registry.Len())
}

func TestConnectReceivesOnlineUsersSnapshot(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	connect(t, srv, bob)

	c := newTestClient(t, srv)
	c.authenticate(alice)

	ev := c.await(protocol.TypeOnlineUsers)
	users := decodeData[[]protocol.OnlineUser](t, ev)

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, ids)
}

// Friend requests

func TestPendingRequestDeliveredOnConnect(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	// Alice sends the request while Bob is offline.
	a := connect(t, srv, alice)
	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	sent := decodeData[models.FriendRequest](t, a.await(protocol.TypeFriendRequestSent))
	assert.Equal(t, models.RequestPending, sent.Status)

	// Bob's connect-time snapshot carries the pending request.
	b := newTestClient(t, srv)
	b.authenticate(bob)
	b.await(protocol.TypeOnlineUsers)
	requests := decodeData[[]models.FriendRequest](t, b.await(protocol.TypeFriendRequests))
	require.Len(t, requests, 1)
	assert.Equal(t, sent.ID, requests[0].ID)
	assert.Equal(t, alice.ID, requests[0].SenderID)
}

func TestFriendRequestAccepted(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	a.await(protocol.TypeFriendRequestSent)

	incoming := decodeData[protocol.NewFriendRequest](t, b.await(protocol.TypeNewFriendRequest))
	require.NotNil(t, incoming.Request)
	assert.Equal(t, alice.ID, incoming.Request.SenderID)
	assert.Equal(t, "Alice", incoming.Request.SenderName)

	b.send(protocol.TypeRespondToFriendRequest, protocol.RespondToFriendRequest{
		RequestID: incoming.Request.ID,
		Response:  "accepted",
	})

	added := decodeData[protocol.FriendAdded](t, b.await(protocol.TypeFriendAdded))
	assert.Equal(t, alice.ID, added.UserID)
	assert.Contains(t, added.FriendIDs, alice.ID)

	accepted := decodeData[protocol.FriendAdded](t, a.await(protocol.TypeFriendRequestAccepted))
	assert.Equal(t, bob.ID, accepted.UserID)
	assert.Contains(t, accepted.FriendIDs, bob.ID)

	// Both adjacency lists gained the edge.
	friends, err := srv.db.AreFriends(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, friends)
	friends, err = srv.db.AreFriends(bob.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, friends)

	// A repeat request is now refused outright.
	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	a.await(protocol.TypeFriendRequestError)
}

func TestFriendRequestDuplicateEitherDirection(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	a.await(protocol.TypeFriendRequestSent)
	b.await(protocol.TypeNewFriendRequest)

	// Same pair again, both directions, creates nothing new.
	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	a.await(protocol.TypeFriendRequestError)

	b.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: alice.ID})
	b.await(protocol.TypeFriendRequestError)

	pending, err := srv.db.ListPendingFriendRequests(bob.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestFriendRequestToUnknownUser(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")

	a := connect(t, srv, alice)
	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: "missing"})
	a.await(protocol.TypeFriendRequestError)

	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: alice.ID})
	a.await(protocol.TypeFriendRequestError)
}

func TestRespondUnauthorized(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	carol := createTestUser(t, srv, "Carol", "carol@example.com")

	a := connect(t, srv, alice)
	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	sent := decodeData[models.FriendRequest](t, a.await(protocol.TypeFriendRequestSent))

	// Only the addressed receiver may respond.
	c := connect(t, srv, carol)
	c.send(protocol.TypeRespondToFriendRequest, protocol.RespondToFriendRequest{
		RequestID: sent.ID,
		Response:  "accepted",
	})
	c.await(protocol.TypeFriendRequestError)

	req, err := srv.db.FindFriendRequest(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, req.Status)
}

func TestFriendRequestDeclined(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	a.await(protocol.TypeFriendRequestSent)
	incoming := decodeData[protocol.NewFriendRequest](t, b.await(protocol.TypeNewFriendRequest))

	b.send(protocol.TypeRespondToFriendRequest, protocol.RespondToFriendRequest{
		RequestID: incoming.Request.ID,
		Response:  "declined",
	})

	response := decodeData[protocol.FriendRequestResponse](t, a.await(protocol.TypeFriendRequestResponse))
	assert.Equal(t, "declined", response.Response)
	assert.Equal(t, bob.ID, response.UserID)

	friends, err := srv.db.AreFriends(alice.ID, bob.ID)
	require.NoError(t, err)
	assert.False(t, friends)

	// After a decline the pair may start over.
	a.send(protocol.TypeSendFriendRequest, protocol.SendFriendRequest{ReceiverID: bob.ID})
	a.await(protocol.TypeFriendRequestSent)
}

// Messaging

func TestPrivateMessageBetweenFriends(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	makeFriends(t, srv, alice, bob)

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{RecipientID: bob.ID, Message: "hello"})

	incoming := decodeData[protocol.NewMessage](t, b.await(protocol.TypeNewMessage))
	require.NotNil(t, incoming.Message)
	assert.Equal(t, "hello", incoming.Message.Text)
	assert.Equal(t, alice.ID, incoming.Message.SenderID)
	assert.False(t, incoming.Message.Seen)

	delivered := decodeData[protocol.MessageDelivered](t, a.await(protocol.TypeMessageDelivered))
	assert.Equal(t, incoming.Message.ID, delivered.MessageID)
	assert.Equal(t, incoming.ConversationID, delivered.ConversationID)
}

func TestPrivateMessageNotFriends(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{RecipientID: bob.ID, Message: "hello"})
	a.await(protocol.TypeMessageError)

	// The refused send left nothing behind, not even a conversation.
	conversations, err := srv.db.ListConversationsForUser(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, conversations)
}

func TestPrivateMessageDeliveredWhileRecipientOffline(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	makeFriends(t, srv, alice, bob)

	a := connect(t, srv, alice)
	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{RecipientID: bob.ID, Message: "hello"})

	// The ack means durably recorded, not seen: it arrives even though
	// Bob is unreachable.
	delivered := decodeData[protocol.MessageDelivered](t, a.await(protocol.TypeMessageDelivered))

	messages, err := srv.db.GetMessages(delivered.ConversationID, 0, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)
}

func TestMessageOrderingPreserved(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	makeFriends(t, srv, alice, bob)

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{RecipientID: bob.ID, Message: "m1"})
	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{RecipientID: bob.ID, Message: "m2"})

	first := decodeData[protocol.NewMessage](t, b.await(protocol.TypeNewMessage))
	second := decodeData[protocol.NewMessage](t, b.await(protocol.TypeNewMessage))
	assert.Equal(t, "m1", first.Message.Text)
	assert.Equal(t, "m2", second.Message.Text)
}

func TestMessageSeenUpdateAndIdempotence(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	makeFriends(t, srv, alice, bob)

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{RecipientID: bob.ID, Message: "hello"})
	incoming := decodeData[protocol.NewMessage](t, b.await(protocol.TypeNewMessage))
	a.await(protocol.TypeMessageDelivered)

	b.send(protocol.TypeMessageSeen, protocol.MessageSeen{
		MessageID:      incoming.Message.ID,
		ConversationID: incoming.ConversationID,
	})

	update := decodeData[protocol.MessageSeenUpdate](t, a.await(protocol.TypeMessageSeenUpdate))
	assert.Equal(t, incoming.Message.ID, update.MessageID)
	assert.Equal(t, bob.ID, update.SeenBy)

	seenBefore, err := srv.db.FindMessageByID(incoming.Message.ID)
	require.NoError(t, err)
	require.NotNil(t, seenBefore.SeenAt)

	// Re-marking does nothing: no fresh seenAt, no second update.
	b.send(protocol.TypeMessageSeen, protocol.MessageSeen{
		MessageID:      incoming.Message.ID,
		ConversationID: incoming.ConversationID,
	})
	b.send(protocol.TypePing, nil)
	b.await(protocol.TypePong)

	a.expectNone(protocol.TypeMessageSeenUpdate)

	seenAfter, err := srv.db.FindMessageByID(incoming.Message.ID)
	require.NoError(t, err)
	assert.True(t, seenAfter.Seen)
	require.NotNil(t, seenAfter.SeenAt)
	assert.True(t, seenAfter.SeenAt.Equal(*seenBefore.SeenAt))
}

// Typing

func TestTypingRelay(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypeTyping, protocol.Typing{RecipientID: bob.ID, IsTyping: true})
	typing := decodeData[protocol.UserTyping](t, b.await(protocol.TypeUserTyping))
	assert.Equal(t, alice.ID, typing.UserID)
	assert.True(t, typing.IsTyping)

	a.send(protocol.TypeTyping, protocol.Typing{RecipientID: bob.ID, IsTyping: false})
	typing = decodeData[protocol.UserTyping](t, b.await(protocol.TypeUserTyping))
	assert.False(t, typing.IsTyping)

	// Typing to an offline user is silently dropped.
	a.send(protocol.TypeTyping, protocol.Typing{RecipientID: "nobody", IsTyping: true})
	a.send(protocol.TypePing, nil)
	a.await(protocol.TypePong)
}

// Presence

func TestStatusUpdateBroadcast(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	b.send(protocol.TypeUpdateStatus, protocol.UpdateStatus{Status: "away"})

	// Status changes go to everyone, the origin included.
	forA := decodeData[protocol.OnlineUser](t, a.await(protocol.TypeUserStatusUpdate))
	forB := decodeData[protocol.OnlineUser](t, b.await(protocol.TypeUserStatusUpdate))
	assert.Equal(t, bob.ID, forA.UserID)
	assert.Equal(t, "away", forA.Status)
	assert.Equal(t, "away", forB.Status)

	b.send(protocol.TypeUpdateStatus, protocol.UpdateStatus{Status: "invisible"})
	b.await(protocol.TypeError)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.conn.Close()

	offline := decodeData[protocol.OnlineUser](t, b.await(protocol.TypeUserOffline))
	assert.Equal(t, alice.ID, offline.UserID)
	assert.Equal(t, "offline", offline.Status)
}

func TestSessionReplacedOnReconnect(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")

	first := connect(t, srv, alice)
	second := connect(t, srv, alice)

	// The superseded connection is told and closed; exactly one
	// session remains and it is the new one.
	first.await(protocol.TypeError)
	first.awaitClosed()
	assert.Equal(t, 1, srv.registry.Len())

	second.send(protocol.TypePing, nil)
	second.await(protocol.TypePong)
}

func TestProfileUpdateBroadcast(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)

	a.send(protocol.TypeUpdateProfile, protocol.UpdateProfile{Name: "Alicia", Avatar: "new.png"})

	update := decodeData[protocol.ProfileUpdate](t, b.await(protocol.TypeUserProfileUpdate))
	assert.Equal(t, alice.ID, update.UserID)
	assert.Equal(t, "Alicia", update.Name)

	user, err := srv.db.FindUserByID(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", user.Name)
	assert.Equal(t, "new.png", user.Avatar)
}

// Groups

func TestCreateGroupConversation(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	carol := createTestUser(t, srv, "Carol", "carol@example.com")
	// Bob and Carol are friends of Alice but not of each other; that is
	// enough for Alice to group them.
	makeFriends(t, srv, alice, bob)
	makeFriends(t, srv, alice, carol)

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	c := connect(t, srv, carol)

	a.send(protocol.TypeCreateGroup, protocol.CreateGroup{
		ParticipantIDs: []string{bob.ID, carol.ID},
		GroupName:      "weekend plans",
	})

	created := decodeData[protocol.GroupCreated](t, a.await(protocol.TypeGroupCreated))
	require.NotNil(t, created.Conversation)
	assert.True(t, created.Conversation.IsGroup)
	assert.Equal(t, alice.ID, created.Conversation.GroupAdmin)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID, carol.ID}, created.Conversation.ParticipantIDs)

	forBob := decodeData[protocol.AddedToGroup](t, b.await(protocol.TypeAddedToGroup))
	assert.Equal(t, alice.ID, forBob.AddedBy)
	assert.Equal(t, created.Conversation.ID, forBob.Conversation.ID)

	forCarol := decodeData[protocol.AddedToGroup](t, c.await(protocol.TypeAddedToGroup))
	assert.Equal(t, created.Conversation.ID, forCarol.Conversation.ID)
}

func TestCreateGroupRequiresCreatorFriendship(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	dave := createTestUser(t, srv, "Dave", "dave@example.com")
	makeFriends(t, srv, alice, bob)

	a := connect(t, srv, alice)
	a.send(protocol.TypeCreateGroup, protocol.CreateGroup{
		ParticipantIDs: []string{bob.ID, dave.ID},
		GroupName:      "mixed company",
	})
	a.await(protocol.TypeGroupError)

	conversations, err := srv.db.ListConversationsForUser(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, conversations)
}

func TestGroupMessageFanOut(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	carol := createTestUser(t, srv, "Carol", "carol@example.com")
	makeFriends(t, srv, alice, bob)
	makeFriends(t, srv, alice, carol)

	conv, err := srv.db.CreateGroupConversation(alice.ID, []string{bob.ID, carol.ID}, "weekend plans")
	require.NoError(t, err)

	a := connect(t, srv, alice)
	b := connect(t, srv, bob)
	c := connect(t, srv, carol)

	a.send(protocol.TypePrivateMessage, protocol.PrivateMessage{
		ConversationID: conv.ID,
		Message:        "who's in?",
	})

	a.await(protocol.TypeMessageDelivered)
	forBob := decodeData[protocol.NewMessage](t, b.await(protocol.TypeNewMessage))
	forCarol := decodeData[protocol.NewMessage](t, c.await(protocol.TypeNewMessage))
	assert.Equal(t, "who's in?", forBob.Message.Text)
	assert.Equal(t, forBob.Message.ID, forCarol.Message.ID)
}

// History

func TestConversationHistory(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")
	bob := createTestUser(t, srv, "Bob", "bob@example.com")
	carol := createTestUser(t, srv, "Carol", "carol@example.com")
	makeFriends(t, srv, alice, bob)

	conv, err := srv.db.FindOrCreateDirectConversation(alice.ID, bob.ID)
	require.NoError(t, err)
	for _, text := range []string{"m1", "m2", "m3"} {
		_, err := srv.db.AppendMessage(conv.ID, alice.ID, text)
		require.NoError(t, err)
	}

	a := connect(t, srv, alice)
	a.send(protocol.TypeConversationHistory, protocol.ConversationHistory{ConversationID: conv.ID})

	page := decodeData[protocol.HistoryPage](t, a.await(protocol.TypeConversationHistory))
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m1", page.Messages[0].Text)
	assert.Equal(t, "m3", page.Messages[2].Text)

	// Not a participant, not your history.
	c := connect(t, srv, carol)
	c.send(protocol.TypeConversationHistory, protocol.ConversationHistory{ConversationID: conv.ID})
	c.await(protocol.TypeError)
}

// Malformed traffic

func TestUnknownEventType(t *testing.T) {
	srv := setupTestServer(t)
	alice := createTestUser(t, srv, "Alice", "alice@example.com")

	a := connect(t, srv, alice)

	a.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := a.conn.Write([]byte(`{"type":"selfDestruct","data":{}}` + "\n"))
	require.NoError(t, err)

	a.await(protocol.TypeError)

	// The connection survives a bad frame.
	a.send(protocol.TypePing, nil)
	a.await(protocol.TypePong)
}
