// Package db is the durable record store for users, friend requests,
// friend edges, conversations, and messages. The coordination core
// mutates these records only through this interface and never caches
// them beyond request scope.
package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatd/models"
)

var (
	ErrNoRows        = errors.New("no rows found")
	ErrNotPending    = errors.New("friend request is not pending")
	ErrAlreadyExists = errors.New("record already exists")
)

const timeFormat = time.RFC3339Nano

// pairKey normalizes an unordered user pair into a stable (lo, hi)
// column pair, so uniqueness constraints see A,B and B,A as one key.
func pairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			last_seen TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friend_edges (
			user_id TEXT NOT NULL,
			friend_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (user_id, friend_id)
		)`,
		`CREATE TABLE IF NOT EXISTS friend_requests (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			pair_lo TEXT NOT NULL,
			pair_hi TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL DEFAULT 0,
			group_name TEXT NOT NULL DEFAULT '',
			group_admin TEXT NOT NULL DEFAULT '',
			pair_lo TEXT NOT NULL DEFAULT '',
			pair_hi TEXT NOT NULL DEFAULT '',
			last_message_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL,
			seen INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			seen_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_receiver ON friend_requests(receiver_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_friend_requests_pair ON friend_requests(sender_id, receiver_id)`,
		// Pair uniqueness is enforced here, not by handler-level checks:
		// concurrent inserts for the same pair must collapse to one row.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_friend_requests_active_pair
			ON friend_requests(pair_lo, pair_hi) WHERE status != 'declined'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_pair
			ON conversations(pair_lo, pair_hi) WHERE is_group = 0`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

func (db *DB) CreateUser(name, email, password, avatar string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		Avatar:    avatar,
		LastSeen:  now,
		CreatedAt: now,
	}
	_, err = db.conn.Exec(
		"INSERT INTO users (id, name, email, password, avatar, last_seen, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		user.ID, name, email, string(hashed), avatar, now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		if isConstraintErr(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return user, nil
}

func (db *DB) FindUserByID(id string) (*models.User, error) {
	var u models.User
	var lastSeen, createdAt string
	err := db.conn.QueryRow(
		"SELECT id, name, email, avatar, last_seen, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	u.LastSeen, _ = time.Parse(timeFormat, lastSeen)
	u.CreatedAt, _ = time.Parse(timeFormat, createdAt)

	u.FriendIDs, err = db.FindUserFriendIDs(id)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Authenticate checks an email/password pair and returns the matching
// user, or ErrNoRows when the pair does not resolve.
func (db *DB) Authenticate(email, password string) (*models.User, error) {
	var id, hashed string
	err := db.conn.QueryRow("SELECT id, password FROM users WHERE email = ?", email).Scan(&id, &hashed)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, ErrNoRows
	}
	return db.FindUserByID(id)
}

func (db *DB) UpdateUserProfile(id, name, avatar string) error {
	result, err := db.conn.Exec("UPDATE users SET name = ?, avatar = ? WHERE id = ?", name, avatar, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (db *DB) UpdateLastSeen(id string, t time.Time) error {
	_, err := db.conn.Exec("UPDATE users SET last_seen = ? WHERE id = ?", t.UTC().Format(timeFormat), id)
	return err
}

// Friend edge methods

func (db *DB) FindUserFriendIDs(id string) ([]string, error) {
	rows, err := db.conn.Query("SELECT friend_id FROM friend_edges WHERE user_id = ? ORDER BY created_at", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, err
		}
		ids = append(ids, fid)
	}
	return ids, rows.Err()
}

func (db *DB) AreFriends(a, b string) (bool, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM friend_edges WHERE user_id = ? AND friend_id = ?", a, b,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Friend request methods

// CreateFriendRequest inserts a pending request. The unique index over
// the normalized pair rejects a second non-declined record in either
// direction, including two concurrent inserts, with ErrAlreadyExists.
func (db *DB) CreateFriendRequest(senderID, receiverID string) (*models.FriendRequest, error) {
	now := time.Now().UTC()
	req := &models.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     models.RequestPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	lo, hi := pairKey(senderID, receiverID)
	_, err := db.conn.Exec(
		"INSERT INTO friend_requests (id, sender_id, receiver_id, pair_lo, pair_hi, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		req.ID, senderID, receiverID, lo, hi, string(req.Status), now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		if isConstraintErr(err) {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return req, nil
}

func (db *DB) FindFriendRequest(id string) (*models.FriendRequest, error) {
	return db.scanRequest(db.conn.QueryRow(
		"SELECT id, sender_id, receiver_id, status, created_at, updated_at FROM friend_requests WHERE id = ?", id,
	))
}

// FindActiveFriendRequestBetween returns the pending or accepted request
// for the unordered pair, if one exists. Declined records do not count:
// a declined pair may start over with a new request.
func (db *DB) FindActiveFriendRequestBetween(a, b string) (*models.FriendRequest, error) {
	return db.scanRequest(db.conn.QueryRow(
		`SELECT id, sender_id, receiver_id, status, created_at, updated_at FROM friend_requests
		 WHERE status IN ('pending', 'accepted')
		   AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		 LIMIT 1`,
		a, b, b, a,
	))
}

func (db *DB) ListPendingFriendRequests(receiverID string) ([]models.FriendRequest, error) {
	rows, err := db.conn.Query(
		`SELECT r.id, r.sender_id, r.receiver_id, r.status, r.created_at, r.updated_at, u.name
		 FROM friend_requests r LEFT JOIN users u ON u.id = r.sender_id
		 WHERE r.receiver_id = ? AND r.status = 'pending'
		 ORDER BY r.created_at`,
		receiverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []models.FriendRequest
	for rows.Next() {
		var r models.FriendRequest
		var createdAt, updatedAt string
		var senderName sql.NullString
		if err := rows.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &createdAt, &updatedAt, &senderName); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		r.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
		r.SenderName = senderName.String
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (db *DB) UpdateFriendRequestStatus(id string, status models.FriendRequestStatus) error {
	result, err := db.conn.Exec(
		"UPDATE friend_requests SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'",
		string(status), time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotPending
	}
	return nil
}

// AcceptFriendRequest marks the request accepted and adds the symmetric
// friend edge in one transaction: either both adjacency rows land and
// the status flips, or nothing changes.
func (db *DB) AcceptFriendRequest(id string) (*models.FriendRequest, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	req, err := db.scanRequest(tx.QueryRow(
		"SELECT id, sender_id, receiver_id, status, created_at, updated_at FROM friend_requests WHERE id = ?", id,
	))
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, ErrNotPending
	}

	now := time.Now().UTC()
	ts := now.Format(timeFormat)
	if _, err := tx.Exec(
		"UPDATE friend_requests SET status = 'accepted', updated_at = ? WHERE id = ?", ts, id,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		"INSERT INTO friend_edges (user_id, friend_id, created_at) VALUES (?, ?, ?), (?, ?, ?)",
		req.SenderID, req.ReceiverID, ts,
		req.ReceiverID, req.SenderID, ts,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	req.Status = models.RequestAccepted
	req.UpdatedAt = now
	return req, nil
}

func (db *DB) scanRequest(row *sql.Row) (*models.FriendRequest, error) {
	var r models.FriendRequest
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	r.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &r, nil
}

// Conversation methods

// FindOrCreateDirectConversation resolves the unique non-group
// conversation for a pair of users, creating it when absent. Two
// concurrent first messages for the same pair race on the create; the
// unique index over the normalized pair makes the loser re-read the
// winner's row instead of inserting a second conversation.
func (db *DB) FindOrCreateDirectConversation(a, b string) (*models.Conversation, error) {
	lo, hi := pairKey(a, b)

	id, err := db.findDirectConversationID(lo, hi)
	if err == nil {
		return db.FindConversationByID(id)
	}
	if !errors.Is(err, ErrNoRows) {
		return nil, err
	}

	conv, err := db.createConversation(false, "", "", []string{a, b}, lo, hi)
	if isConstraintErr(err) {
		id, err := db.findDirectConversationID(lo, hi)
		if err != nil {
			return nil, err
		}
		return db.FindConversationByID(id)
	}
	return conv, err
}

func (db *DB) findDirectConversationID(lo, hi string) (string, error) {
	var id string
	err := db.conn.QueryRow(
		"SELECT id FROM conversations WHERE is_group = 0 AND pair_lo = ? AND pair_hi = ?", lo, hi,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	return id, err
}

func (db *DB) CreateGroupConversation(adminID string, participantIDs []string, name string) (*models.Conversation, error) {
	participants := append([]string{adminID}, participantIDs...)
	return db.createConversation(true, name, adminID, participants, "", "")
}

func (db *DB) createConversation(isGroup bool, name, admin string, participantIDs []string, pairLo, pairHi string) (*models.Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ts := now.Format(timeFormat)
	conv := &models.Conversation{
		ID:             uuid.NewString(),
		ParticipantIDs: participantIDs,
		IsGroup:        isGroup,
		GroupName:      name,
		GroupAdmin:     admin,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	groupFlag := 0
	if isGroup {
		groupFlag = 1
	}
	if _, err := tx.Exec(
		"INSERT INTO conversations (id, is_group, group_name, group_admin, pair_lo, pair_hi, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		conv.ID, groupFlag, name, admin, pairLo, pairHi, ts, ts,
	); err != nil {
		return nil, err
	}
	for _, uid := range participantIDs {
		if _, err := tx.Exec(
			"INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)",
			conv.ID, uid,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *DB) FindConversationByID(id string) (*models.Conversation, error) {
	var c models.Conversation
	var groupFlag int
	var createdAt, updatedAt string
	err := db.conn.QueryRow(
		"SELECT id, is_group, group_name, group_admin, last_message_id, created_at, updated_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &groupFlag, &c.GroupName, &c.GroupAdmin, &c.LastMessageID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	c.IsGroup = groupFlag != 0
	c.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	c.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	rows, err := db.conn.Query("SELECT user_id FROM conversation_participants WHERE conversation_id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		c.ParticipantIDs = append(c.ParticipantIDs, uid)
	}
	return &c, rows.Err()
}

// ListConversationsForUser returns every conversation the user takes
// part in, most recently updated first. This is the read path an
// offline user catches up through after reconnecting.
func (db *DB) ListConversationsForUser(userID string) ([]models.Conversation, error) {
	rows, err := db.conn.Query(
		`SELECT c.id FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = ?
		 ORDER BY c.updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var conversations []models.Conversation
	for _, id := range ids {
		c, err := db.FindConversationByID(id)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *c)
	}
	return conversations, nil
}

// Message methods

// AppendMessage persists a message and bumps the conversation's last
// message pointer in one transaction. No acknowledgement may be sent to
// the sender unless this returns without error.
func (db *DB) AppendMessage(conversationID, senderID, text string) (*models.Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ts := now.Format(timeFormat)
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now,
	}

	if _, err := tx.Exec(
		"INSERT INTO messages (id, conversation_id, sender_id, text, seen, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		msg.ID, conversationID, senderID, text, ts,
	); err != nil {
		return nil, err
	}
	result, err := tx.Exec(
		"UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?",
		msg.ID, ts, conversationID,
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkMessageSeen flips seen false->true. Re-marking an already seen
// message is a no-op; first reports whether this call was the actual
// transition, so callers only emit a seen update once.
func (db *DB) MarkMessageSeen(messageID string) (msg *models.Message, first bool, err error) {
	msg, err = db.FindMessageByID(messageID)
	if err != nil {
		return nil, false, err
	}
	if msg.Seen {
		return msg, false, nil
	}

	now := time.Now().UTC()
	result, err := db.conn.Exec(
		"UPDATE messages SET seen = 1, seen_at = ? WHERE id = ? AND seen = 0",
		now.Format(timeFormat), messageID,
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		// Raced with another marker; the message is seen either way.
		return db.findSeen(messageID)
	}

	msg.Seen = true
	msg.SeenAt = &now
	return msg, true, nil
}

func (db *DB) findSeen(messageID string) (*models.Message, bool, error) {
	msg, err := db.FindMessageByID(messageID)
	return msg, false, err
}

func (db *DB) FindMessageByID(id string) (*models.Message, error) {
	var m models.Message
	var seen int
	var createdAt string
	var seenAt sql.NullString
	err := db.conn.QueryRow(
		"SELECT id, conversation_id, sender_id, text, seen, created_at, seen_at FROM messages WHERE id = ?", id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &seen, &createdAt, &seenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	m.Seen = seen != 0
	m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if seenAt.Valid {
		t, perr := time.Parse(timeFormat, seenAt.String)
		if perr == nil {
			m.SeenAt = &t
		}
	}
	return &m, nil
}

func (db *DB) GetMessages(conversationID string, offset, limit int) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, conversation_id, sender_id, text, seen, created_at, seen_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC
		 LIMIT ? OFFSET ?`,
		conversationID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var seen int
		var createdAt string
		var seenAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &seen, &createdAt, &seenAt); err != nil {
			return nil, err
		}
		m.Seen = seen != 0
		m.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if seenAt.Valid {
			if t, perr := time.Parse(timeFormat, seenAt.String); perr == nil {
				m.SeenAt = &t
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
