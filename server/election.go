package server

import (
	"context"
	"errors"
	"strconv"

	"github.com/samber/lo"

	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/network"
)

// discoverReplicas asks every live replica to identify itself and, if the
// known leader did not answer, elects the lowest responding id. Rounds are
// serialized. If some replica never answers within the election timeout the
// election still runs among those that did and ErrElectionTimeout is
// returned.
func (server *Server) discoverReplicas() error {
	server.electionMu.Lock()
	defer server.electionMu.Unlock()
	if server.killed() {
		return ErrShutdown
	}

	server.runningReplicas.Clear()
	server.discovering.Store(true)
	defer func() {
		server.discovering.Store(false)
		server.runningReplicas.Clear()
	}()

	lablog.Debug(server.id, lablog.Election, "Discovering replicas, live set %v", server.liveReplicas())
	server.broadcast(server.identifyMessage(""))

	waitErr := server.await(context.Background(), server.identifyCh, server.config.ElectionTimeout, ErrElectionTimeout, func() bool {
		return lo.EveryBy(server.liveReplicas(), func(id int) bool {
			return server.runningReplicas.Contains(id)
		})
	})
	if errors.Is(waitErr, ErrShutdown) {
		return waitErr
	}
	if waitErr != nil {
		lablog.Debug(server.id, lablog.Warn, "Election wait: %v, electing among %v", waitErr, server.runningReplicas.ToSlice())
	}

	server.mu.Lock()
	leaderAlive := server.runningReplicas.Contains(server.leaderId)
	if leaderAlive || server.isLeader {
		leaderId := server.leaderId
		server.mu.Unlock()
		lablog.Debug(server.id, lablog.Election, "Leader %d still running", leaderId)
		return waitErr
	}
	server.runningReplicas.Add(server.id)
	winner := lo.Min(server.runningReplicas.ToSlice())
	lablog.Debug(server.id, lablog.Election, "Leader %d is gone, running %v, electing %d", server.leaderId, server.runningReplicas.ToSlice(), winner)
	if winner != server.id {
		server.mu.Unlock()
		return waitErr
	}
	server.isLeader = true
	server.leaderId = server.id
	server.network.SetServer(false)
	server.mu.Unlock()

	lablog.Debug(server.id, lablog.Leader, "Became leader")
	server.broadcast(server.identifyMessage(""))
	return waitErr
}

// identifyMessage is this replica's IDENTIFY, or LEADER while it believes
// itself leader. An empty receiver makes it a probe that peers answer.
func (server *Server) identifyMessage(receiver string) network.Message {
	op := network.OpIdentify
	if server.IsLeader() {
		op = network.OpLeader
	}
	return network.Message{
		Operation: op,
		Data:      server.idString(),
		Sender:    server.idString(),
		Receiver:  receiver,
	}
}

// handleIdentify records the sender of an IDENTIFY or LEADER frame and
// answers probes with this replica's own identity.
func (server *Server) handleIdentify(msg network.Message) network.Message {
	id, err := strconv.Atoi(msg.Data)
	if err != nil {
		lablog.Debug(server.id, lablog.Warn, "Ignoring %s with bad id %q", msg.Operation, msg.Data)
		return network.NoReturn()
	}
	if msg.Operation == network.OpLeader {
		server.setLeader(id)
	}
	if server.discovering.Load() {
		server.runningReplicas.Add(id)
		signal(server.identifyCh)
	}
	if msg.Receiver != "" {
		return network.NoReturn()
	}
	return server.identifyMessage(msg.Data)
}

// setLeader accepts id as leader. A leader only yields to a lower id.
func (server *Server) setLeader(id int) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.isLeader && id > server.id {
		return
	}
	if server.leaderId != id {
		lablog.Debug(server.id, lablog.Leader, "Leader is now %d", id)
	}
	server.leaderId = id
	server.isLeader = id == server.id
	server.network.SetServer(!server.isLeader)
}
