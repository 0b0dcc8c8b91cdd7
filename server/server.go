package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/network"
)

// A Server is one replica of the chat service.
type Server struct {
	me        int // index into config.Nodes
	id        int // replica id
	config    Config
	persister *Persister
	network   *network.Network
	listener  net.Listener

	mu       deadlock.RWMutex // guards the fields below
	replicas map[int]*network.Conn
	clients  map[string]*network.Conn
	leaderId int
	isLeader bool

	electionMu      deadlock.Mutex // one discovery round at a time
	discovering     atomic.Bool
	runningReplicas mapset.Set[int]
	identifyCh      chan struct{} // only use non blocking send

	syncMu         deadlock.Mutex // guards the fields below
	dbTimes        map[int]int64
	syncData       []byte
	haveSyncData   bool
	synced         bool
	mostRecentTime int64
	store          *Store
	timeCh         chan struct{} // only use non blocking send
	syncCh         chan struct{} // only use non blocking send

	ready chan struct{} // closed once the store is open
	done  chan struct{} // closed by Kill
	dead  atomic.Bool
	wg    deadlock.WaitGroup
}

// MakeServer prepares the replica at index me of config. Nothing is opened
// until Start.
func MakeServer(config Config, me int) (*Server, error) {
	node, err := config.GetAtIndex(me)
	if err != nil {
		return nil, err
	}
	dbFile, err := config.DatabasePath(me)
	if err != nil {
		return nil, err
	}

	server := new(Server)
	server.me = me
	server.id = node.Id
	server.config = config
	server.persister = MakePersister(dbFile)
	server.network = network.New(network.RoleServer, node.Id)
	server.replicas = make(map[int]*network.Conn)
	server.clients = make(map[string]*network.Conn)
	server.runningReplicas = mapset.NewSet[int]()
	server.identifyCh = make(chan struct{}, 1)
	server.dbTimes = make(map[int]int64)
	server.timeCh = make(chan struct{}, 1)
	server.syncCh = make(chan struct{}, 1)
	server.ready = make(chan struct{})
	server.done = make(chan struct{})

	// The lowest configured id starts as leader.
	server.leaderId = lo.Min(lo.Map(config.Nodes, func(n Node, _ int) int { return n.Id }))
	server.isLeader = server.leaderId == server.id
	server.network.SetServer(!server.isLeader)

	server.registerHandlers()
	return server, nil
}

// Start listens on the replica's configured address and runs startup. See
// StartWithListener.
func (server *Server) Start(ctx context.Context) error {
	node, err := server.config.GetAtIndex(server.me)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", node.Address)
	if err != nil {
		return err
	}
	return server.StartWithListener(ctx, l)
}

// StartWithListener accepts connections on l, connects to every other
// replica and synchronizes the database. It returns once the replica is
// serving clients, or with the error that stopped startup.
func (server *Server) StartWithListener(ctx context.Context, l net.Listener) error {
	server.listener = l
	lablog.Debug(server.id, lablog.Info, "Listening on %s", l.Addr())
	server.wg.Add(1)
	go server.acceptLoop()

	if err := server.connectReplicas(ctx); err != nil {
		return err
	}
	if server.IsLeader() {
		server.broadcast(server.identifyMessage(""))
	}
	return server.syncDatabase(ctx)
}

func (server *Server) acceptLoop() {
	defer server.wg.Done()
	for !server.killed() {
		c, err := server.listener.Accept()
		if err != nil {
			if server.killed() || errors.Is(err, net.ErrClosed) {
				return
			}
			lablog.Debug(server.id, lablog.Warn, "Accept failed: %v", err)
			time.Sleep(server.config.ConnectRetry)
			continue
		}
		conn := network.NewConn(c, server.config.WriteTimeout)
		if !server.trackClient(conn) {
			conn.Close()
			return
		}
		go server.serveClient(conn)
	}
}

// serveClient runs the worker of an accepted connection. Peers dial in as
// well, so the full handler table is available here; a failure only ends
// this connection.
func (server *Server) serveClient(conn *network.Conn) {
	defer server.wg.Done()
	lablog.ConnDebug(server.id, conn.ID(), lablog.Client, "Accepted connection from %s", conn.RemoteAddr())
	err := server.network.Serve(conn)
	lablog.ConnDebug(server.id, conn.ID(), lablog.Client, "Connection closed: %v", err)

	server.mu.Lock()
	delete(server.clients, conn.ID())
	server.mu.Unlock()
}

// serveReplica runs the worker of an outbound replica connection. When it
// fails the replica leaves the live set and a discovery round runs.
func (server *Server) serveReplica(id int, conn *network.Conn) {
	defer server.wg.Done()
	err := server.network.Serve(conn)
	if server.killed() {
		return
	}
	lablog.Debug(server.id, lablog.Replica, "Lost replica %d: %v", id, err)
	server.removeReplica(id, conn)
	if err := server.discoverReplicas(); err != nil {
		lablog.Debug(server.id, lablog.Warn, "Discovery after losing replica %d: %v", id, err)
	}
}

// connectReplicas dials every other configured replica, retrying until it
// answers or ctx is done.
func (server *Server) connectReplicas(ctx context.Context) error {
	peers := lo.Filter(server.config.Nodes, func(n Node, _ int) bool { return n.Id != server.id })
	dialer := net.Dialer{Timeout: server.config.WriteTimeout}
	for _, peer := range peers {
		for {
			c, err := dialer.DialContext(ctx, "tcp", peer.Address)
			if err == nil {
				if !server.addReplica(peer.Id, network.NewConn(c, server.config.WriteTimeout)) {
					return ErrShutdown
				}
				lablog.Debug(server.id, lablog.Replica, "Connected to replica %d at %s", peer.Id, peer.Address)
				break
			}
			lablog.Debug(server.id, lablog.Replica, "Replica %d at %s not reachable, retrying: %v", peer.Id, peer.Address, err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("connect to replica %d: %w", peer.Id, ctx.Err())
			case <-server.done:
				return ErrShutdown
			case <-time.After(server.config.ConnectRetry):
			}
		}
	}
	return nil
}

func (server *Server) addReplica(id int, conn *network.Conn) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.killed() {
		conn.Close()
		return false
	}
	if old, ok := server.replicas[id]; ok {
		old.Close()
	}
	server.replicas[id] = conn
	server.wg.Add(1)
	go server.serveReplica(id, conn)
	return true
}

// removeReplica drops conn from the live set, if it is still the
// connection for id, and closes it. It reports whether it was removed.
func (server *Server) removeReplica(id int, conn *network.Conn) bool {
	server.mu.Lock()
	current, ok := server.replicas[id]
	removed := ok && current == conn
	if removed {
		delete(server.replicas, id)
	}
	server.mu.Unlock()

	conn.Close()
	if removed {
		lablog.Debug(server.id, lablog.Replica, "Removed replica %d from the live set", id)
		// Wake waits that count live replicas.
		signal(server.identifyCh)
		signal(server.timeCh)
	}
	return removed
}

func (server *Server) trackClient(conn *network.Conn) bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.killed() {
		return false
	}
	server.clients[conn.ID()] = conn
	server.wg.Add(1)
	return true
}

// liveReplicas returns the ids of the live replicas in ascending order.
func (server *Server) liveReplicas() []int {
	server.mu.RLock()
	defer server.mu.RUnlock()
	ids := maps.Keys(server.replicas)
	slices.Sort(ids)
	return ids
}

// broadcast sends msg to every live replica, dropping any replica the send
// fails for.
func (server *Server) broadcast(msg network.Message) {
	for _, id := range server.liveReplicas() {
		server.mu.RLock()
		conn, ok := server.replicas[id]
		server.mu.RUnlock()
		if !ok {
			continue
		}
		if err := server.network.SendMessage(conn, msg); err != nil {
			lablog.Debug(server.id, lablog.Drop, "Sending %s to replica %d: %v: %v", msg.Operation, id, ErrReplicaUnreachable, err)
			server.removeReplica(id, conn)
		}
	}
}

// LeaderID returns the id of the replica this server believes is leader.
func (server *Server) LeaderID() int {
	server.mu.RLock()
	defer server.mu.RUnlock()
	return server.leaderId
}

func (server *Server) IsLeader() bool {
	server.mu.RLock()
	defer server.mu.RUnlock()
	return server.isLeader
}

// ID returns the replica id.
func (server *Server) ID() int { return server.id }

// Addr returns the listening address, or nil before Start.
func (server *Server) Addr() net.Addr {
	if server.listener == nil {
		return nil
	}
	return server.listener.Addr()
}

// Ready is closed once startup sync has finished and the store is open.
func (server *Server) Ready() <-chan struct{} { return server.ready }

// Done is closed by Kill.
func (server *Server) Done() <-chan struct{} { return server.done }

// Kill stops the replica: it closes the listener and every connection,
// waits for the workers to exit and closes the store.
func (server *Server) Kill() {
	if server.dead.Swap(true) {
		return
	}
	close(server.done)
	if server.listener != nil {
		server.listener.Close()
	}

	server.mu.Lock()
	for _, conn := range server.replicas {
		conn.Close()
	}
	for _, conn := range server.clients {
		conn.Close()
	}
	server.mu.Unlock()

	server.wg.Wait()

	server.syncMu.Lock()
	defer server.syncMu.Unlock()
	if server.store != nil {
		if err := server.store.Close(); err != nil {
			lablog.Debug(server.id, lablog.Warn, "Closing store: %v", err)
		}
	}
	lablog.Debug(server.id, lablog.Info, "Killed")
}

func (server *Server) killed() bool {
	return server.dead.Load()
}

// awaitReady blocks store-backed handlers until the store is open.
func (server *Server) awaitReady() error {
	select {
	case <-server.ready:
		return nil
	case <-server.done:
		return ErrShutdown
	}
}

// await blocks until cond holds, re-checking it whenever ch is signalled.
func (server *Server) await(ctx context.Context, ch <-chan struct{}, timeout time.Duration, timeoutErr error, cond func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for !cond() {
		select {
		case <-ch:
		case <-timer.C:
			if cond() {
				return nil
			}
			return timeoutErr
		case <-server.done:
			return ErrShutdown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (server *Server) idString() string {
	return strconv.Itoa(server.id)
}

func (server *Server) dataDir() string {
	return filepath.Dir(server.persister.Path())
}

// signal wakes a waiter on ch without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func init() {
	deadlock.Opts.Disable = os.Getenv("DEADLOCK_DETECT") == ""
	deadlock.Opts.PrintAllCurrentGoroutines = false
}
