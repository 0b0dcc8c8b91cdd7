// Package client is a chat session against a replicated chat service. A
// Client keeps one connection to one replica, sends one request at a time
// and moves on to the next configured replica when the connection fails.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"

	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/network"
	"github.com/albertqi/wire-protocols/server"
)

var (
	ErrTimeout     = errors.New("timed out waiting for a reply")
	ErrNoServer    = errors.New("no server reachable")
	ErrNotLoggedIn = errors.New("not logged in")
	ErrUnknownUser = errors.New("user does not exist")
)

// ServerError is an ERROR reply.
type ServerError struct {
	Text string
}

func (e *ServerError) Error() string { return e.Text }

// replyOps are the operations a server answers requests with.
var replyOps = []network.OpCode{
	network.OpOK,
	network.OpError,
	network.OpCreate,
	network.OpDelete,
	network.OpList,
	network.OpSend,
	network.OpUnsupported,
}

type Client struct {
	mu      deadlock.Mutex // one outstanding request
	addrs   []string
	timeout time.Duration
	server  int // index into addrs of the server to try first
	session *session
	user    string
}

// MakeClient returns a client for the given server addresses. Nothing is
// dialed until the first request.
func MakeClient(addrs []string, timeout time.Duration) *Client {
	ck := new(Client)
	ck.addrs = addrs
	ck.timeout = timeout
	return ck
}

// FromConfig returns a client for the replicas of a cluster configuration,
// in configuration order, with the configured request timeout.
func FromConfig(config server.Config) *Client {
	return MakeClient(config.Addresses(), config.RequestTimeout)
}

// session is one connection and the reader that collects its replies.
type session struct {
	addr    string
	network *network.Network
	conn    *network.Conn
	replies chan network.Message
	closed  chan struct{}
}

func dial(addr string, timeout time.Duration) (*session, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	s := &session{
		addr:    addr,
		network: network.New(network.RoleClient, -1),
		conn:    network.NewConn(c, timeout),
		replies: make(chan network.Message, 1),
		closed:  make(chan struct{}),
	}
	for _, op := range replyOps {
		s.network.Handle(op, s.handleReply)
	}
	go func() {
		defer close(s.closed)
		err := s.network.Serve(s.conn)
		lablog.ConnDebug(-1, s.conn.ID(), lablog.Client, "Connection to %s closed: %v", addr, err)
	}()
	return s, nil
}

func (s *session) handleReply(msg network.Message) network.Message {
	select {
	case s.replies <- msg:
	default:
		lablog.ConnDebug(-1, s.conn.ID(), lablog.Drop, "Dropping unsolicited %v", msg)
	}
	return network.NoReturn()
}

// roundTrip sends msg and waits for the reply to it.
func (s *session) roundTrip(msg network.Message, timeout time.Duration) (network.Message, error) {
	// Discard a late reply to an earlier request that timed out.
	select {
	case <-s.replies:
	default:
	}
	if err := s.network.SendMessage(s.conn, msg); err != nil {
		return network.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-s.replies:
		return reply, nil
	case <-s.closed:
		return network.Message{}, network.ErrConnectionClosed
	case <-timer.C:
		return network.Message{}, ErrTimeout
	}
}

func (s *session) close() {
	s.conn.Close()
	<-s.closed
}

// connect opens a session with the first reachable server, starting with
// the current one.
func (ck *Client) connect() error {
	for i := 0; i < len(ck.addrs); i++ {
		addr := ck.addrs[ck.server]
		s, err := dial(addr, ck.timeout)
		if err == nil {
			lablog.Debug(-1, lablog.Client, "Connected to %s", addr)
			ck.session = s
			return nil
		}
		lablog.Debug(-1, lablog.Client, "Server %s unreachable: %v", addr, err)
		ck.server = (ck.server + 1) % len(ck.addrs)
	}
	return ErrNoServer
}

// call sends msg and returns the reply, retrying on the next server when
// the connection fails.
func (ck *Client) call(msg network.Message) (network.Message, error) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	if len(ck.addrs) == 0 {
		return network.Message{}, ErrNoServer
	}

	for attempt := 0; attempt < len(ck.addrs); attempt++ {
		if ck.session == nil {
			if err := ck.connect(); err != nil {
				return network.Message{}, err
			}
		}
		reply, err := ck.session.roundTrip(msg, ck.timeout)
		if err == nil {
			return toResult(reply)
		}
		if errors.Is(err, ErrTimeout) {
			return network.Message{}, err
		}
		// no reply (server down, connection reset, etc.), try next server
		lablog.Debug(-1, lablog.Client, "%s to %s failed: %v", msg.Operation, ck.session.addr, err)
		ck.session.close()
		ck.session = nil
		ck.server = (ck.server + 1) % len(ck.addrs)
	}
	return network.Message{}, ErrNoServer
}

func toResult(reply network.Message) (network.Message, error) {
	switch reply.Operation {
	case network.OpError:
		return reply, &ServerError{Text: reply.Data}
	case network.OpUnsupported:
		return reply, network.ErrUnsupportedOperation
	}
	return reply, nil
}

func expect(reply network.Message, op network.OpCode) error {
	if reply.Operation != op {
		return fmt.Errorf("unexpected %s reply, want %s", reply.Operation, op)
	}
	return nil
}

// CreateAccount creates name and returns the name the server stored.
func (ck *Client) CreateAccount(name string) (string, error) {
	reply, err := ck.call(network.Message{Operation: network.OpCreate, Data: name})
	if err != nil {
		return "", err
	}
	if err := expect(reply, network.OpCreate); err != nil {
		return "", err
	}
	return reply.Data, nil
}

// DeleteAccount deletes name. Deleting the current user logs out.
func (ck *Client) DeleteAccount(name string) error {
	reply, err := ck.call(network.Message{Operation: network.OpDelete, Data: name})
	if err != nil {
		return err
	}
	if err := expect(reply, network.OpDelete); err != nil {
		return err
	}
	ck.mu.Lock()
	if ck.user == name {
		ck.user = ""
	}
	ck.mu.Unlock()
	return nil
}

// ListAccounts returns the usernames containing sub.
func (ck *Client) ListAccounts(sub string) ([]string, error) {
	reply, err := ck.call(network.Message{Operation: network.OpList, Data: sub})
	if err != nil {
		return nil, err
	}
	if err := expect(reply, network.OpList); err != nil {
		return nil, err
	}
	return lo.Filter(strings.Split(reply.Data, "\n"), func(name string, _ int) bool {
		return name != ""
	}), nil
}

// Login makes name the current user if the account exists.
func (ck *Client) Login(name string) error {
	if name == "" {
		return ErrUnknownUser
	}
	names, err := ck.ListAccounts(name)
	if err != nil {
		return err
	}
	if !lo.Contains(names, name) {
		return ErrUnknownUser
	}
	ck.mu.Lock()
	ck.user = name
	ck.mu.Unlock()
	return nil
}

func (ck *Client) Logout() {
	ck.mu.Lock()
	ck.user = ""
	ck.mu.Unlock()
}

// CurrentUser returns the logged in user, or "".
func (ck *Client) CurrentUser() string {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	return ck.user
}

// SendMessage queues text for receiver from the current user.
func (ck *Client) SendMessage(receiver, text string) error {
	user := ck.CurrentUser()
	if user == "" {
		return ErrNotLoggedIn
	}
	reply, err := ck.call(network.Message{Operation: network.OpSend, Data: text, Sender: user, Receiver: receiver})
	if err != nil {
		return err
	}
	return expect(reply, network.OpOK)
}

// RequestMessages fetches and clears the current user's queued messages.
func (ck *Client) RequestMessages() (string, error) {
	user := ck.CurrentUser()
	if user == "" {
		return "", ErrNotLoggedIn
	}
	reply, err := ck.call(network.Message{Operation: network.OpRequest, Data: user})
	if err != nil {
		return "", err
	}
	if err := expect(reply, network.OpSend); err != nil {
		return "", err
	}
	return reply.Data, nil
}

// Close closes the current connection, if any.
func (ck *Client) Close() error {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	if ck.session != nil {
		ck.session.close()
		ck.session = nil
	}
	return nil
}
