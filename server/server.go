package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatd/auth"
	"chatd/db"
	"chatd/presence"
	"chatd/protocol"
)

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	db       *db.DB
	auth     *auth.Authenticator
	registry *presence.Registry
	config   *ServerConfig
	log      *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
}

func New(database *db.DB, authn *auth.Authenticator, config *ServerConfig) *Server {
	return &Server{
		db:       database,
		auth:     authn,
		registry: presence.NewRegistry(),
		config:   config,
		log:      logrus.WithField("component", "server"),
	}
}

// Auth exposes the authenticator so the login service and tests can
// mint tokens in the format Verify expects.
func (s *Server) Auth() *auth.Authenticator {
	return s.auth
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	defer listener.Close()

	s.log.WithField("port", s.config.Port).Info("server started")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			s.log.WithError(err).Error("accept failed")
			continue
		}

		go s.handleConnection(conn)
	}
}

// connSender serializes outbound frames on one connection. Pushes may
// originate from other users' handler goroutines, so writes are
// mutex-guarded and bounded by the write deadline.
type connSender struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *connSender) Send(eventType string, payload any) error {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err = c.conn.Write(frame)
	return err
}

func (c *connSender) Close() error {
	return c.conn.Close()
}

// handleConnection serves one client for the lifetime of its
// connection: handshake, initial snapshots, then the event loop. All of
// a connection's events are processed sequentially by this loop, which
// is what gives per-sender, per-conversation message ordering.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	sender := &connSender{conn: conn, timeout: s.config.WriteTimeout}
	reader := bufio.NewReader(conn)

	session, err := s.handshake(conn, reader, sender)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"remote_addr": remoteAddr,
		}).WithError(err).Info("connection refused")
		return
	}

	log := s.log.WithFields(logrus.Fields{
		"remote_addr": remoteAddr,
		"user_id":     session.UserID,
	})
	log.Info("client connected")

	// Connect-time state: who is online, and which friend requests are
	// waiting for this user.
	if err := sender.Send(protocol.TypeOnlineUsers, s.registry.Snapshot()); err != nil {
		log.WithError(err).Warn("failed to send online users")
	}
	pending, err := s.db.ListPendingFriendRequests(session.UserID)
	if err != nil {
		log.WithError(err).Error("failed to load pending friend requests")
	} else if err := sender.Send(protocol.TypeFriendRequests, pending); err != nil {
		log.WithError(err).Warn("failed to send friend requests")
	}

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !strings.Contains(err.Error(), "use of closed network connection") {
				log.WithError(err).Debug("read failed")
			}
			break
		}

		ev, err := protocol.Decode(line)
		if err != nil {
			// Malformed or out-of-union frame: scoped error to the
			// origin only, no state change.
			sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "invalid event"})
			continue
		}

		if !s.handleEvent(session, sender, ev) {
			break
		}
	}

	// Removal happens before this goroutine processes anything further
	// and is safe to run twice; a session superseded by a reconnect is
	// left alone.
	if s.registry.Unregister(session) {
		if err := s.db.UpdateLastSeen(session.UserID, time.Now().UTC()); err != nil {
			log.WithError(err).Warn("failed to update last seen")
		}
		log.Info("client disconnected")
	}
}

// handshake reads the first frame, which must be an auth event carrying
// a valid bearer token. On any failure the connection is refused before
// a session exists, so no partial state is ever observable.
func (s *Server) handshake(conn net.Conn, reader *bufio.Reader, sender *connSender) (*presence.Session, error) {
	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	ev, err := protocol.Decode(line)
	if err != nil || ev.Type != protocol.TypeAuth {
		sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "authentication required"})
		return nil, errors.New("first frame was not auth")
	}

	var payload protocol.Auth
	if len(ev.Data) > 0 {
		if err := unmarshal(ev.Data, &payload); err != nil {
			sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "authentication required"})
			return nil, err
		}
	}

	identity, err := s.auth.Verify(payload.Token)
	if err != nil {
		sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: err.Error()})
		return nil, err
	}

	// The token was once valid but the account may be gone. A store
	// failure is not a deleted account and must not read like one.
	user, err := s.db.FindUserByID(identity.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "unknown user"})
		} else {
			sender.Send(protocol.TypeError, protocol.ErrorMessage{Message: "internal error"})
		}
		return nil, err
	}

	session := presence.NewSession(user.ID, user.Name, user.Avatar, user.FriendIDs, sender)
	if old := s.registry.Register(session); old != nil {
		// Single-session exclusivity: the previous connection is
		// superseded; close it so it does not linger half-open. Its
		// cleanup cannot evict this session.
		old.Send(protocol.TypeError, protocol.ErrorMessage{Message: "session replaced by a new connection"})
		old.Close()
	}
	if err := s.db.UpdateLastSeen(user.ID, time.Now().UTC()); err != nil {
		s.log.WithError(err).Warn("failed to update last seen")
	}

	return session, nil
}

// Shutdown notifies every connected client and closes their
// connections. reason is included in the notice.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	for _, sess := range s.registry.All() {
		sess.Send(protocol.TypeError, protocol.ErrorMessage{Message: "server shutting down: " + reason})
		sess.Close()
	}
}

// GetStats returns server statistics as a formatted string for the
// control socket.
func (s *Server) GetStats() string {
	snapshot := s.registry.Snapshot()
	ids := make([]string, 0, len(snapshot))
	for _, u := range snapshot {
		ids = append(ids, u.UserID)
	}
	return "connections=" + strconv.Itoa(len(snapshot)) + ",users=" + strings.Join(ids, ";")
}
