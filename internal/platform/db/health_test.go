package db

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPoolStats_JSON(t *testing.T) {
	stats := PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	b, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing json key %q", key)
		}
	}
}

func TestPendingMigrations(t *testing.T) {
	now := time.Now()
	statuses := []MigrationStatus{
		{Version: 1, Name: "001_ward.sql", Applied: true, AppliedAt: &now},
		{Version: 2, Name: "002_discharge.sql"},
		{Version: 3, Name: "003_later.sql"},
	}
	if got := PendingMigrations(statuses); got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}
	if got := PendingMigrations(nil); got != 0 {
		t.Errorf("expected 0 pending, got %d", got)
	}
}
