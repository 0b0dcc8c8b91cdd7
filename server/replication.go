package server

import (
	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/network"
)

// replicate forwards msg unchanged to every live replica when this server is
// leader. Replicas that cannot be written to are dropped for good; nothing
// waits for their acknowledgement.
func (server *Server) replicate(msg network.Message) {
	if !server.IsLeader() {
		return
	}
	lablog.Debug(server.id, lablog.Replica, "Replicating %v to %v", msg, server.liveReplicas())
	server.broadcast(msg)
}
