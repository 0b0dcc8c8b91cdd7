package server

import (
	"context"
	"math"
	"strconv"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"

	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/network"
)

// syncDatabase exchanges database timestamps with every live replica, makes
// sure the local file is (one of) the freshest copies, opens the store and
// releases the store-backed handlers.
func (server *Server) syncDatabase(ctx context.Context) error {
	local, err := server.persister.ModifiedTime()
	if err != nil {
		return err
	}
	lablog.Debug(server.id, lablog.Sync, "Local database time %d", local)
	server.broadcast(network.Message{
		Operation: network.OpTime,
		Data:      strconv.FormatInt(local, 10),
		Sender:    server.idString(),
	})

	err = server.await(ctx, server.timeCh, server.config.SyncTimeout, ErrSyncTimeout, server.allTimesReceived)
	if err != nil {
		return err
	}

	server.syncMu.Lock()
	times := maps.Values(server.dbTimes)
	server.syncMu.Unlock()
	mostRecentTime := lo.Max(append(times, local))

	switch {
	case mostRecentTime == 0:
		lablog.Debug(server.id, lablog.Sync, "No replica has a database, starting fresh")
	case local == mostRecentTime:
		data, err := server.persister.ReadDatabase()
		if err != nil {
			return err
		}
		lablog.Debug(server.id, lablog.Sync, "Local database is the most recent, sending %d bytes", len(data))
		server.broadcast(network.Message{
			Operation: network.OpSync,
			Data:      string(data),
			Sender:    server.idString(),
		})
	default:
		lablog.Debug(server.id, lablog.Sync, "Local database is stale (%d < %d), waiting for a copy", local, mostRecentTime)
		err := server.await(ctx, server.syncCh, server.config.SyncTimeout, ErrSyncTimeout, func() bool {
			server.syncMu.Lock()
			defer server.syncMu.Unlock()
			return server.haveSyncData
		})
		if err != nil {
			return err
		}
		server.syncMu.Lock()
		data := server.syncData
		server.syncData = nil
		server.syncMu.Unlock()
		if err := server.persister.SaveDatabase(data); err != nil {
			return err
		}
		lablog.Debug(server.id, lablog.Persist, "Saved %d byte database copy", len(data))
	}

	store, err := OpenStore(server.persister.Path(), server.id)
	if err != nil {
		return err
	}
	server.syncMu.Lock()
	if server.killed() {
		server.syncMu.Unlock()
		store.Close()
		return ErrShutdown
	}
	server.store = store
	server.synced = true
	server.mostRecentTime = mostRecentTime
	server.syncMu.Unlock()

	close(server.ready)
	lablog.Debug(server.id, lablog.Sync, "Startup sync done, serving clients")
	return nil
}

func (server *Server) allTimesReceived() bool {
	server.syncMu.Lock()
	defer server.syncMu.Unlock()
	return lo.EveryBy(server.liveReplicas(), func(id int) bool {
		_, ok := server.dbTimes[id]
		return ok
	})
}

// handleTime records a replica's database time during startup. Once synced,
// a probe from a restarted replica is answered with a copy of the database
// if ours is newer, or with our own time.
func (server *Server) handleTime(msg network.Message) network.Message {
	id, err := strconv.Atoi(msg.Sender)
	if err != nil {
		lablog.Debug(server.id, lablog.Warn, "Ignoring TIME from unknown sender %q", msg.Sender)
		return network.NoReturn()
	}
	ts, err := strconv.ParseInt(msg.Data, 10, 64)
	if err != nil {
		lablog.Debug(server.id, lablog.Warn, "Ignoring TIME from %d with bad time %q", id, msg.Data)
		return network.NoReturn()
	}

	server.syncMu.Lock()
	if !server.synced {
		server.dbTimes[id] = ts
		server.syncMu.Unlock()
		lablog.Debug(server.id, lablog.Sync, "Replica %d database time %d", id, ts)
		signal(server.timeCh)
		return network.NoReturn()
	}
	store := server.store
	server.syncMu.Unlock()

	if msg.Receiver != "" {
		return network.NoReturn()
	}
	return server.answerLateJoiner(store, id, ts)
}

func (server *Server) answerLateJoiner(store *Store, id int, ts int64) network.Message {
	own, err := server.persister.ModifiedTime()
	if err != nil {
		lablog.Debug(server.id, lablog.Error, "Reading database time: %v", err)
		return network.NoReturn()
	}
	if own > ts {
		data, err := store.Snapshot(server.dataDir())
		if err != nil {
			lablog.Debug(server.id, lablog.Error, "Snapshot for replica %d: %v", id, err)
			return network.NoReturn()
		}
		lablog.Debug(server.id, lablog.Sync, "Sending %d byte database to restarted replica %d", len(data), id)
		return network.Message{
			Operation: network.OpSync,
			Data:      string(data),
			Sender:    server.idString(),
			Receiver:  strconv.Itoa(id),
		}
	}
	return network.Message{
		Operation: network.OpTime,
		Data:      strconv.FormatInt(own, 10),
		Sender:    server.idString(),
		Receiver:  strconv.Itoa(id),
	}
}

// handleSync keeps the first database copy received during startup. A copy
// also counts as that replica's time answer.
func (server *Server) handleSync(msg network.Message) network.Message {
	id, err := strconv.Atoi(msg.Sender)
	if err != nil {
		lablog.Debug(server.id, lablog.Warn, "Ignoring SYNC from unknown sender %q", msg.Sender)
		return network.NoReturn()
	}

	server.syncMu.Lock()
	if server.synced {
		server.syncMu.Unlock()
		lablog.Debug(server.id, lablog.Sync, "Ignoring SYNC from %d after startup", id)
		return network.NoReturn()
	}
	if _, ok := server.dbTimes[id]; !ok {
		server.dbTimes[id] = math.MaxInt64
	}
	if !server.haveSyncData {
		server.syncData = []byte(msg.Data)
		server.haveSyncData = true
		lablog.Debug(server.id, lablog.Sync, "Received %d byte database from %d", len(msg.Data), id)
	}
	server.syncMu.Unlock()

	signal(server.timeCh)
	signal(server.syncCh)
	return network.NoReturn()
}
