package db

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_CreatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "storyreel.db")

	database, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	for _, table := range []string{"batches", "scenes", "preferences", "_migrations"} {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %q missing after migration: %v", table, err)
		}
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "storyreel.db")

	database, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	database.Close()

	// Reopening must not re-apply migrations.
	database, err = New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New() on existing db error = %v", err)
	}
	defer database.Close()

	var count int
	if err := database.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("migrations recorded = %d, want 1", count)
	}
}

func TestNew_MarksInterruptedBatches(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "storyreel.db")

	database, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	insert := `INSERT INTO batches (id, status, cursor, scene_count, aspect_ratio, duration_seconds, created_at, updated_at)
		VALUES (?, ?, 0, 1, '16:9', 8, datetime('now'), datetime('now'))`
	for _, row := range []struct{ id, status string }{
		{"b-running", "running"},
		{"b-paused", "paused"},
		{"b-done", "completed"},
	} {
		if _, err := database.Conn().Exec(insert, row.id, row.status); err != nil {
			t.Fatalf("insert %s: %v", row.id, err)
		}
	}
	database.Close()

	database, err = New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New() on existing db error = %v", err)
	}
	defer database.Close()

	cases := map[string]string{
		"b-running": "failed",
		"b-paused":  "failed",
		"b-done":    "completed",
	}
	for id, want := range cases {
		var status string
		if err := database.Conn().QueryRow("SELECT status FROM batches WHERE id = ?", id).Scan(&status); err != nil {
			t.Fatalf("select %s: %v", id, err)
		}
		if status != want {
			t.Fatalf("batch %s status = %q, want %q", id, status, want)
		}
	}

	var errMsg string
	if err := database.Conn().QueryRow("SELECT error FROM batches WHERE id = 'b-running'").Scan(&errMsg); err != nil {
		t.Fatalf("select error column: %v", err)
	}
	if errMsg != "interrupted by restart" {
		t.Fatalf("interrupted batch error = %q", errMsg)
	}
}

func TestNew_SceneCascadeDelete(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "storyreel.db")

	database, err := New(dbPath, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	conn := database.Conn()
	if _, err := conn.Exec(`INSERT INTO batches (id, status, cursor, scene_count, aspect_ratio, duration_seconds, created_at, updated_at)
		VALUES ('b1', 'pending', 0, 1, '16:9', 8, datetime('now'), datetime('now'))`); err != nil {
		t.Fatalf("insert batch: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO scenes (id, batch_id, idx, prompt, duration_seconds, status, updated_at)
		VALUES ('s1', 'b1', 0, 'p', 8, 'pending', datetime('now'))`); err != nil {
		t.Fatalf("insert scene: %v", err)
	}

	if _, err := conn.Exec("DELETE FROM batches WHERE id = 'b1'"); err != nil {
		t.Fatalf("delete batch: %v", err)
	}

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM scenes WHERE batch_id = 'b1'").Scan(&count); err != nil {
		t.Fatalf("count scenes: %v", err)
	}
	if count != 0 {
		t.Fatalf("orphaned scenes = %d, want cascade delete", count)
	}
}
