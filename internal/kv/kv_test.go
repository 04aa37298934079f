package kv

import (
	"errors"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openTest(t)
	if err := s.Set("a", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	v, err := s.Get("a")
	if err != nil || string(v) != "1" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestTTLExpires(t *testing.T) {
	s := openTest(t)
	if err := s.Set("short", []byte("x"), time.Second); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has("short"); !ok {
		t.Fatal("key should exist before expiry")
	}
	time.Sleep(2100 * time.Millisecond)
	if ok, _ := s.Has("short"); ok {
		t.Error("key should have expired")
	}
}

func TestIncr(t *testing.T) {
	s := openTest(t)
	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr("fails:bob", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("Incr = %d, want %d", n, want)
		}
	}
}

func TestJSONAndPrefix(t *testing.T) {
	s := openTest(t)
	type perms struct{ Actions []string }
	if err := s.SetJSON("perm:wb1:u1", perms{Actions: []string{"cell.read"}}, time.Minute); err != nil {
		t.Fatal(err)
	}
	s.SetJSON("perm:wb1:u2", perms{}, time.Minute)
	s.SetJSON("perm:wb2:u1", perms{}, time.Minute)

	var got perms
	if err := s.GetJSON("perm:wb1:u1", &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Actions) != 1 || got.Actions[0] != "cell.read" {
		t.Errorf("got %+v", got)
	}

	if err := s.DeletePrefix("perm:wb1:"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has("perm:wb1:u2"); ok {
		t.Error("prefix delete left perm:wb1:u2")
	}
	if ok, _ := s.Has("perm:wb2:u1"); !ok {
		t.Error("prefix delete removed perm:wb2:u1")
	}
}
