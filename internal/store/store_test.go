package store

import (
	"context"
	"database/sql"
	"testing"
)

func TestOpen_BootstrapsTables(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	tables := []string{
		"cf_agents_state", "cf_agents_queues", "cf_agents_schedules",
		"cf_agents_tasks", "cf_agents_task_events", "cf_agents_mcp_servers",
	}
	for _, table := range tables {
		var name string
		row := s.DB().QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestQuery_Generic(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Exec(ctx, "INSERT INTO cf_agents_queues (id, callback, payload, created_at) VALUES (?,?,?,?)",
		"q1", "onTick", "{}", 1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ids, err := Query(ctx, s, func(r *sql.Rows) (string, error) {
		var id string
		return id, r.Scan(&id)
	}, "SELECT id FROM cf_agents_queues ORDER BY created_at")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ids) != 1 || ids[0] != "q1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestDestroy_DropsTables(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}
