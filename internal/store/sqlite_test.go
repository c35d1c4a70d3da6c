package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestIsConstraintViolation(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "hosts.db"), testLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	insert := `INSERT INTO hosts (id, machine_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, "a", "machine-a"); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, dupErr := s.db.ExecContext(ctx, insert, "b", "machine-a")
	if dupErr == nil {
		t.Fatal("expected duplicate machine_id to fail")
	}
	if !isConstraintViolation(dupErr) {
		t.Errorf("duplicate machine_id not detected: %v", dupErr)
	}
	if !isConstraintViolation(fmt.Errorf("inserting host: %w", dupErr)) {
		t.Error("wrapped duplicate not detected")
	}

	_, syntaxErr := s.db.ExecContext(ctx, `INSERT INTO nowhere VALUES (1)`)
	if syntaxErr == nil {
		t.Fatal("expected insert into missing table to fail")
	}
	if isConstraintViolation(syntaxErr) {
		t.Errorf("missing table reported as constraint violation: %v", syntaxErr)
	}
	if isConstraintViolation(errors.New("UNIQUE constraint failed: hosts.machine_id")) {
		t.Error("plain error text must not count as a constraint violation")
	}
	if isConstraintViolation(nil) {
		t.Error("nil reported as constraint violation")
	}
}
