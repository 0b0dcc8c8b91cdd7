package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/slices"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "server_test.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAccount(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		store := openTestStore(t)
		if name, err := store.CreateAccount("alice"); err != nil {
			t.Fatal(err)
		} else if got, want := name, "alice"; got != want {
			t.Fatalf("name=%q, want %q", got, want)
		}
	})

	t.Run("ErrDuplicateUsername", func(t *testing.T) {
		store := openTestStore(t)
		if _, err := store.CreateAccount("alice"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.CreateAccount("alice"); !errors.Is(err, ErrDuplicateUsername) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrEmptyUsername", func(t *testing.T) {
		store := openTestStore(t)
		if _, err := store.CreateAccount(""); !errors.Is(err, ErrEmptyUsername) {
			t.Fatalf("unexpected error: %v", err)
		}
		if names, err := store.ListAccounts(""); err != nil {
			t.Fatal(err)
		} else if len(names) != 0 {
			t.Fatalf("names=%v, want none", names)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		store := openTestStore(t)
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.CreateAccount("alice")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var ok int
		for err := range errs {
			if err == nil {
				ok++
			} else if !errors.Is(err, ErrDuplicateUsername) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if got, want := ok, 1; got != want {
			t.Fatalf("successful creates=%d, want %d", got, want)
		}
	})
}

func TestStore_DeleteAccount(t *testing.T) {
	t.Run("ErrUnknownUsername", func(t *testing.T) {
		store := openTestStore(t)
		if _, err := store.DeleteAccount("nobody"); !errors.Is(err, ErrUnknownUsername) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("NotListed", func(t *testing.T) {
		store := openTestStore(t)
		for _, name := range []string{"alice", "bob"} {
			if _, err := store.CreateAccount(name); err != nil {
				t.Fatal(err)
			}
		}
		if name, err := store.DeleteAccount("alice"); err != nil {
			t.Fatal(err)
		} else if name != "alice" {
			t.Fatalf("name=%q", name)
		}

		names, err := store.ListAccounts("")
		if err != nil {
			t.Fatal(err)
		}
		if got, want := names, []string{"bob"}; !slices.Equal(got, want) {
			t.Fatalf("names=%v, want %v", got, want)
		}
	})

	t.Run("CascadesBacklog", func(t *testing.T) {
		store := openTestStore(t)
		if _, err := store.CreateAccount("bob"); err != nil {
			t.Fatal(err)
		}
		if err := store.SendMessage("alice", "bob", "hi"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.DeleteAccount("bob"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.CreateAccount("bob"); err != nil {
			t.Fatal(err)
		}
		if backlog, err := store.RequestMessages("bob"); err != nil {
			t.Fatal(err)
		} else if backlog != "" {
			t.Fatalf("backlog=%q, want empty", backlog)
		}
	})
}

func TestStore_ListAccounts(t *testing.T) {
	store := openTestStore(t)
	for _, name := range []string{"alice", "bob", "Alicia", "malice", "a%b", "a_c"} {
		if _, err := store.CreateAccount(name); err != nil {
			t.Fatal(err)
		}
	}

	for _, tt := range []struct {
		sub  string
		want []string
	}{
		{"", []string{"alice", "bob", "Alicia", "malice", "a%b", "a_c"}},
		{"lic", []string{"alice", "Alicia", "malice"}},
		{"ali", []string{"alice", "malice"}},
		{"Ali", []string{"Alicia"}},
		{"%", []string{"a%b"}},
		{"_", []string{"a_c"}},
		{"' OR 1=1 --", nil},
		{"zed", nil},
	} {
		t.Run(fmt.Sprintf("%q", tt.sub), func(t *testing.T) {
			names, err := store.ListAccounts(tt.sub)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := names, tt.want; !slices.Equal(got, want) {
				t.Fatalf("names=%v, want %v", got, want)
			}
		})
	}
}

func TestStore_Messages(t *testing.T) {
	t.Run("Drain", func(t *testing.T) {
		store := openTestStore(t)
		clock := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
		store.now = func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}
		if _, err := store.CreateAccount("bob"); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			if err := store.SendMessage("alice", "bob", fmt.Sprintf("msg %d", i)); err != nil {
				t.Fatal(err)
			}
		}

		backlog, err := store.RequestMessages("bob")
		if err != nil {
			t.Fatal(err)
		}
		want := "[2023-03-01 12:00:01] alice: msg 0\n" +
			"[2023-03-01 12:00:02] alice: msg 1\n" +
			"[2023-03-01 12:00:03] alice: msg 2\n"
		if got := backlog; got != want {
			t.Fatalf("backlog=%q, want %q", got, want)
		}

		if backlog, err := store.RequestMessages("bob"); err != nil {
			t.Fatal(err)
		} else if backlog != "" {
			t.Fatalf("second request=%q, want empty", backlog)
		}
	})

	t.Run("SameTimestampKeepsSendOrder", func(t *testing.T) {
		store := openTestStore(t)
		store.now = func() time.Time { return time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC) }
		if _, err := store.CreateAccount("bob"); err != nil {
			t.Fatal(err)
		}
		for _, text := range []string{"first", "second", "third"} {
			if err := store.SendMessage("alice", "bob", text); err != nil {
				t.Fatal(err)
			}
		}
		backlog, err := store.RequestMessages("bob")
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSuffix(backlog, "\n"), "\n")
		if got, want := len(lines), 3; got != want {
			t.Fatalf("lines=%d, want %d", got, want)
		}
		for i, text := range []string{"first", "second", "third"} {
			if !strings.HasSuffix(lines[i], "alice: "+text) {
				t.Fatalf("line %d=%q, want text %q", i, lines[i], text)
			}
		}
	})

	t.Run("OtherRecipientsUntouched", func(t *testing.T) {
		store := openTestStore(t)
		for _, name := range []string{"bob", "carol"} {
			if _, err := store.CreateAccount(name); err != nil {
				t.Fatal(err)
			}
		}
		if err := store.SendMessage("alice", "bob", "for bob"); err != nil {
			t.Fatal(err)
		}
		if err := store.SendMessage("alice", "carol", "for carol"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.RequestMessages("bob"); err != nil {
			t.Fatal(err)
		}
		backlog, err := store.RequestMessages("carol")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(backlog, "] alice: for carol\n") {
			t.Fatalf("backlog=%q", backlog)
		}
	})

	t.Run("EmptyUser", func(t *testing.T) {
		store := openTestStore(t)
		if _, err := store.CreateAccount("bob"); err != nil {
			t.Fatal(err)
		}
		if err := store.SendMessage("alice", "bob", "hi"); err != nil {
			t.Fatal(err)
		}
		if backlog, err := store.RequestMessages(""); err != nil {
			t.Fatal(err)
		} else if backlog != "" {
			t.Fatalf("backlog=%q, want empty", backlog)
		}
		if backlog, err := store.RequestMessages("bob"); err != nil {
			t.Fatal(err)
		} else if !strings.HasSuffix(backlog, "] alice: hi\n") {
			t.Fatalf("backlog=%q", backlog)
		}
	})

	t.Run("ErrUnknownRecipient", func(t *testing.T) {
		store := openTestStore(t)
		if err := store.SendMessage("alice", "nobody", "hi"); !errors.Is(err, ErrUnknownRecipient) {
			t.Fatalf("unexpected error: %v", err)
		}
		var count int
		if err := store.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if got, want := count, 0; got != want {
			t.Fatalf("messages=%d, want %d", got, want)
		}

		// A later account with that name starts with an empty backlog.
		if _, err := store.CreateAccount("nobody"); err != nil {
			t.Fatal(err)
		}
		if backlog, err := store.RequestMessages("nobody"); err != nil {
			t.Fatal(err)
		} else if backlog != "" {
			t.Fatalf("backlog=%q, want empty", backlog)
		}
	})

	t.Run("ConcurrentRecipients", func(t *testing.T) {
		store := openTestStore(t)
		users := []string{"u0", "u1", "u2", "u3"}
		for _, name := range users {
			if _, err := store.CreateAccount(name); err != nil {
				t.Fatal(err)
			}
		}
		var wg sync.WaitGroup
		for _, name := range users {
			name := name
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if err := store.SendMessage("alice", name, "hi"); err != nil {
						t.Error(err)
						return
					}
				}
			}()
		}
		wg.Wait()

		for _, name := range users {
			backlog, err := store.RequestMessages(name)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := strings.Count(backlog, "\n"), 10; got != want {
				t.Fatalf("%s: messages=%d, want %d", name, got, want)
			}
		}
	})
}

func TestStore_Snapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "server_1.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.CreateAccount("alice"); err != nil {
		t.Fatal(err)
	}

	data, err := store.Snapshot(dir)
	if err != nil {
		t.Fatal(err)
	}

	persister := MakePersister(filepath.Join(dir, "server_2.db"))
	if err := persister.SaveDatabase(data); err != nil {
		t.Fatal(err)
	}
	copied, err := OpenStore(persister.Path(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer copied.Close()
	names, err := copied.ListAccounts("")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names, []string{"alice"}; !slices.Equal(got, want) {
		t.Fatalf("names=%v, want %v", got, want)
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")

	// A different key is not blocked.
	unlockB := k.Lock("b")
	unlockB()

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
		close(released)
	}()
	select {
	case <-acquired:
		t.Fatal("second lock of the same key acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for lock")
	}
	<-released

	k.mu.Lock()
	defer k.mu.Unlock()
	if got := len(k.locks); got != 0 {
		t.Fatalf("locks=%d, want 0", got)
	}
}
