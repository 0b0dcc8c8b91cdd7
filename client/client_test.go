package client_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/exp/slices"

	"github.com/albertqi/wire-protocols/client"
	"github.com/albertqi/wire-protocols/network"
	"github.com/albertqi/wire-protocols/server"
)

// startServer runs a single-replica service and returns its address.
func startServer(tb testing.TB) string {
	tb.Helper()
	return startConfig(tb).Nodes[0].Address
}

// startConfig runs a single-replica service and returns its configuration.
func startConfig(tb testing.TB) server.Config {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	config := server.DefaultConfig()
	config.DataDir = tb.TempDir()
	config.Nodes = []server.Node{{Id: 0, Address: l.Addr().String()}}

	s, err := server.MakeServer(config, 0)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(s.Kill)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWithListener(ctx, l); err != nil {
		tb.Fatal(err)
	}
	return config
}

// startFake accepts connections and hands every received frame to fn. fn
// returns false to close the connection.
func startFake(tb testing.TB, fn func(c net.Conn, frame network.Frame) bool) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				for {
					frame, err := network.ReadFrame(c)
					if err != nil || !fn(c, frame) {
						return
					}
				}
			}()
		}
	}()
	return l.Addr().String()
}

// closedAddr returns an address nothing listens on.
func closedAddr(tb testing.TB) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestClient_Session(t *testing.T) {
	ck := client.MakeClient([]string{startServer(t)}, 5*time.Second)
	defer ck.Close()

	if name, err := ck.CreateAccount("alice"); err != nil {
		t.Fatal(err)
	} else if got, want := name, "alice"; got != want {
		t.Fatalf("name=%q, want %q", got, want)
	}
	if _, err := ck.CreateAccount("bob"); err != nil {
		t.Fatal(err)
	}

	names, err := ck.ListAccounts("")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names, []string{"alice", "bob"}; !slices.Equal(got, want) {
		t.Fatalf("names=%v, want %v", got, want)
	}

	if err := ck.SendMessage("bob", "hi"); !errors.Is(err, client.ErrNotLoggedIn) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ck.Login("carol"); !errors.Is(err, client.ErrUnknownUser) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ck.Login("alice"); err != nil {
		t.Fatal(err)
	}
	if got, want := ck.CurrentUser(), "alice"; got != want {
		t.Fatalf("user=%q, want %q", got, want)
	}
	if err := ck.SendMessage("bob", "hi"); err != nil {
		t.Fatal(err)
	}

	if err := ck.Login("bob"); err != nil {
		t.Fatal(err)
	}
	backlog, err := ck.RequestMessages()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(backlog, "] alice: hi\n") {
		t.Fatalf("backlog=%q", backlog)
	}

	if err := ck.DeleteAccount("bob"); err != nil {
		t.Fatal(err)
	}
	if got, want := ck.CurrentUser(), ""; got != want {
		t.Fatalf("user=%q after deleting it, want %q", got, want)
	}

	if err := ck.Login("alice"); err != nil {
		t.Fatal(err)
	}
	ck.Logout()
	if got, want := ck.CurrentUser(), ""; got != want {
		t.Fatalf("user=%q after logout, want %q", got, want)
	}
	if _, err := ck.RequestMessages(); !errors.Is(err, client.ErrNotLoggedIn) {
		t.Fatalf("unexpected error after logout: %v", err)
	}
}

func TestClient_FromConfig(t *testing.T) {
	config := startConfig(t)
	config.RequestTimeout = 2 * time.Second

	ck := client.FromConfig(config)
	defer ck.Close()
	if _, err := ck.CreateAccount("alice"); err != nil {
		t.Fatal(err)
	}
	names, err := ck.ListAccounts("al")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names, []string{"alice"}; !slices.Equal(got, want) {
		t.Fatalf("names=%v, want %v", got, want)
	}
}

func TestClient_ServerError(t *testing.T) {
	ck := client.MakeClient([]string{startServer(t)}, 5*time.Second)
	defer ck.Close()

	if _, err := ck.CreateAccount("alice"); err != nil {
		t.Fatal(err)
	}
	_, err := ck.CreateAccount("alice")
	var serverErr *client.ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := serverErr.Text, server.ErrDuplicateUsername.Error(); got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}
}

func TestClient_Failover(t *testing.T) {
	t.Run("Unreachable", func(t *testing.T) {
		ck := client.MakeClient([]string{closedAddr(t), startServer(t)}, 5*time.Second)
		defer ck.Close()
		if _, err := ck.CreateAccount("alice"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ConnectionLost", func(t *testing.T) {
		dropper := startFake(t, func(c net.Conn, frame network.Frame) bool { return false })
		ck := client.MakeClient([]string{dropper, startServer(t)}, 5*time.Second)
		defer ck.Close()
		if name, err := ck.CreateAccount("alice"); err != nil {
			t.Fatal(err)
		} else if name != "alice" {
			t.Fatalf("name=%q", name)
		}
	})

	t.Run("ErrNoServer", func(t *testing.T) {
		ck := client.MakeClient([]string{closedAddr(t), closedAddr(t)}, time.Second)
		defer ck.Close()
		if _, err := ck.ListAccounts(""); !errors.Is(err, client.ErrNoServer) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestClient_Timeout(t *testing.T) {
	silent := startFake(t, func(c net.Conn, frame network.Frame) bool { return true })
	ck := client.MakeClient([]string{silent}, 100*time.Millisecond)
	defer ck.Close()
	if _, err := ck.ListAccounts(""); !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Unsupported(t *testing.T) {
	fake := startFake(t, func(c net.Conn, frame network.Frame) bool {
		_, err := c.Write(network.Encode(network.Message{Operation: network.OpUnsupported}, true))
		return err == nil
	})
	ck := client.MakeClient([]string{fake}, 5*time.Second)
	defer ck.Close()
	if _, err := ck.CreateAccount("alice"); !errors.Is(err, network.ErrUnsupportedOperation) {
		t.Fatalf("unexpected error: %v", err)
	}
}
