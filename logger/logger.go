package logger

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Retrieve the verbosity level from an environment variable
// ref: https://blog.josejg.com/debugging-pretty/
func getVerbosity() int {
	v := os.Getenv("VERBOSE")
	level := 0
	if v != "" {
		var err error
		level, err = strconv.Atoi(v)
		if err != nil {
			log.Fatalf("Invalid verbosity %v", v)
		}
	}
	return level
}

type LogTopic string

const (
	Client   LogTopic = "CLNT"
	Config   LogTopic = "CONF"
	Drop     LogTopic = "DROP"
	Election LogTopic = "ELEC"
	Error    LogTopic = "ERRO"
	Info     LogTopic = "INFO"
	Leader   LogTopic = "LEAD"
	Net      LogTopic = "NETW"
	Persist  LogTopic = "PERS"
	Replica  LogTopic = "REPL"
	Store    LogTopic = "STOR"
	Sync     LogTopic = "SYNC"
	Test     LogTopic = "TEST"
	Warn     LogTopic = "WARN"
)

var debugStart time.Time
var DebugVerbosity int

func init() {
	DebugVerbosity = getVerbosity()
	debugStart = time.Now()
	// disable datetime logging
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
}

func enabled(topic LogTopic) bool {
	if topic == Error || topic == Warn {
		return true
	}
	return (DebugVerbosity == 1 && topic != Info) || DebugVerbosity >= 2
}

func prefix(topic LogTopic) string {
	time := time.Since(debugStart).Microseconds()
	time /= 100
	return fmt.Sprintf("%06d %v ", time, string(topic))
}

// Debug logs under topic for the server with the given id. A negative id
// omits the server tag, which is what clients use.
func Debug(serverId int, topic LogTopic, format string, a ...interface{}) {
	if !enabled(topic) {
		return
	}
	p := prefix(topic)
	if serverId >= 0 {
		p += fmt.Sprintf("S%d ", serverId)
	}
	log.Printf(p+format, a...)
}

// ConnDebug is Debug with the connection id appended to the prefix.
func ConnDebug(serverId int, connId string, topic LogTopic, format string, a ...interface{}) {
	if !enabled(topic) {
		return
	}
	p := prefix(topic)
	if serverId >= 0 {
		p += fmt.Sprintf("S%d ", serverId)
	}
	if len(connId) > 8 {
		connId = connId[:8]
	}
	p += fmt.Sprintf("C%s ", connId)
	log.Printf(p+format, a...)
}
