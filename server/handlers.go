package server

import (
	"strings"

	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/network"
)

func (server *Server) registerHandlers() {
	server.network.Handle(network.OpCreate, server.handleCreate)
	server.network.Handle(network.OpDelete, server.handleDelete)
	server.network.Handle(network.OpList, server.handleList)
	server.network.Handle(network.OpSend, server.handleSend)
	server.network.Handle(network.OpRequest, server.handleRequest)
	server.network.Handle(network.OpIdentify, server.handleIdentify)
	server.network.Handle(network.OpLeader, server.handleIdentify)
	server.network.Handle(network.OpTime, server.handleTime)
	server.network.Handle(network.OpSync, server.handleSync)
}

func (server *Server) handleCreate(msg network.Message) network.Message {
	if err := server.awaitReady(); err != nil {
		return server.errorReply(msg, err)
	}
	server.replicate(msg)
	name, err := server.store.CreateAccount(msg.Data)
	if err != nil {
		return server.errorReply(msg, err)
	}
	return network.Message{Operation: network.OpCreate, Data: name}
}

func (server *Server) handleDelete(msg network.Message) network.Message {
	if err := server.awaitReady(); err != nil {
		return server.errorReply(msg, err)
	}
	server.replicate(msg)
	name, err := server.store.DeleteAccount(msg.Data)
	if err != nil {
		return server.errorReply(msg, err)
	}
	return network.Message{Operation: network.OpDelete, Data: name}
}

func (server *Server) handleList(msg network.Message) network.Message {
	if err := server.awaitReady(); err != nil {
		return server.errorReply(msg, err)
	}
	names, err := server.store.ListAccounts(msg.Data)
	if err != nil {
		return server.errorReply(msg, err)
	}
	var data strings.Builder
	for _, name := range names {
		data.WriteString(name)
		data.WriteByte('\n')
	}
	return network.Message{Operation: network.OpList, Data: data.String()}
}

func (server *Server) handleSend(msg network.Message) network.Message {
	if err := server.awaitReady(); err != nil {
		return server.errorReply(msg, err)
	}
	server.replicate(msg)
	if err := server.store.SendMessage(msg.Sender, msg.Receiver, msg.Data); err != nil {
		return server.errorReply(msg, err)
	}
	return network.Message{Operation: network.OpOK}
}

func (server *Server) handleRequest(msg network.Message) network.Message {
	if msg.Data == "" {
		return network.Message{Operation: network.OpSend}
	}
	if err := server.awaitReady(); err != nil {
		return server.errorReply(msg, err)
	}
	server.replicate(msg)
	backlog, err := server.store.RequestMessages(msg.Data)
	if err != nil {
		return server.errorReply(msg, err)
	}
	return network.Message{Operation: network.OpSend, Data: backlog, Receiver: msg.Data}
}

// errorReply turns err into an ERROR frame. Only store errors are shown to
// the peer as they are.
func (server *Server) errorReply(msg network.Message, err error) network.Message {
	if isClientError(err) {
		lablog.Debug(server.id, lablog.Store, "%s %q: %v", msg.Operation, msg.Data, err)
		return network.Message{Operation: network.OpError, Data: err.Error()}
	}
	lablog.Debug(server.id, lablog.Error, "%s %q: %v", msg.Operation, msg.Data, err)
	return network.Message{Operation: network.OpError, Data: internalErrorText}
}
