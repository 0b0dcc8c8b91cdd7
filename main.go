package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	lablog "github.com/albertqi/wire-protocols/logger"
	"github.com/albertqi/wire-protocols/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <config-file> <replica-index>\n", os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}
	index, err := strconv.Atoi(os.Args[2])
	if err != nil {
		usage()
	}

	config, err := server.LoadConfig(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	lablog.Debug(index, lablog.Config, "Loaded %d replicas from %s", len(config.Nodes), os.Args[1])

	s, err := server.MakeServer(config, index)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		s.Kill()
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}
	fmt.Println(s.ID(), " serving on: ", s.Addr())

	<-ctx.Done()
	fmt.Println(s.ID(), " exiting now")
	s.Kill()
}
