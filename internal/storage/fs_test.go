package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	key, err := s.Put(ctx, "backups/a.json", strings.NewReader(`{"a":1}`))
	if err != nil || key != "backups/a.json" {
		t.Fatalf("Put = %q, %v", key, err)
	}
	if _, err := s.Put(ctx, "other/b.json", strings.NewReader("b")); err != nil {
		t.Fatal(err)
	}

	rc, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != `{"a":1}` {
		t.Fatalf("body = %q", body)
	}

	list, err := s.List(ctx, "backups/")
	if err != nil || len(list) != 1 || list[0].Key != key {
		t.Fatalf("List = %+v, %v", list, err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if err := s.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestFSStore_KeysStayUnderBase(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFSStore(t.TempDir())
	key, err := s.Put(ctx, "../../escape.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}
	if key != "escape.txt" {
		t.Fatalf("key = %q", key)
	}
	if _, err := s.Put(ctx, "  ", strings.NewReader("x")); err == nil {
		t.Fatal("empty key accepted")
	}
}
