package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	var name string
	err = s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='kv'").Scan(&name)
	if err != nil {
		t.Errorf("table kv not found after idempotent opens: %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpenKV_SelectsImplementation(t *testing.T) {
	kv, err := OpenKV(":memory:")
	if err != nil {
		t.Fatalf("OpenKV(:memory:) failed: %v", err)
	}
	if _, ok := kv.(*Memory); !ok {
		t.Errorf("OpenKV(:memory:) = %T, want *Memory", kv)
	}

	kv, err = OpenKV(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenKV(path) failed: %v", err)
	}
	defer kv.Close()
	if _, ok := kv.(*Store); !ok {
		t.Errorf("OpenKV(path) = %T, want *Store", kv)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	want := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL
		"busy_timeout": "5000",
	}
	for name, expected := range want {
		got, err := s.pragma(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != expected {
			t.Errorf("%s = %q, want %q", name, got, expected)
		}
	}
}

func TestOpen_MigratesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	version, err := s.pragma("user_version")
	if err != nil {
		t.Fatal(err)
	}
	if want := strconv.Itoa(len(migrations)); version != want {
		t.Errorf("user_version = %s, want %s", version, want)
	}

	var name string
	err = s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_kv_updated_at'").Scan(&name)
	if err != nil {
		t.Errorf("idx_kv_updated_at missing after migration: %v", err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s1.Save(t.Context(), "operation_queue.identity", []string{"a", "b"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	var got []string
	found, err := s2.Load(t.Context(), "operation_queue.identity", &got)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !found || len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Load() = %v (found=%v), want [a b]", got, found)
	}
}

// Helper functions

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
