package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vjranagit/promrelay/pkg/types"
)

func TestWAL(t *testing.T) {
	tmpDir := t.TempDir()

	wal, err := NewWAL(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	for _, tenant := range []string{"first", "second"} {
		req := &types.WriteRequest{
			TenantID: tenant,
			Streams:  []types.SampleStream{httpRequestsStream("GET", types.Sample{Timestamp: baseTime, Value: 42.0})},
		}
		if err := wal.Append(req); err != nil {
			t.Fatalf("Failed to append to WAL: %v", err)
		}
	}

	if err := wal.Flush(); err != nil {
		t.Fatalf("Failed to flush WAL: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	if err := wal.Append(&types.WriteRequest{}); err == nil {
		t.Error("Expected append after close to fail")
	}

	var tenants []string
	err = ReplayWAL(tmpDir, func(r *types.WriteRequest) error {
		tenants = append(tenants, r.TenantID)
		if len(r.Streams) != 1 || !r.Streams[0].Samples[0].Timestamp.Equal(baseTime) {
			t.Errorf("Unexpected replayed streams: %+v", r.Streams)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WAL replay failed: %v", err)
	}

	if len(tenants) != 2 || tenants[0] != "first" || tenants[1] != "second" {
		t.Errorf("Expected entries replayed in order, got %v", tenants)
	}

	entries, _ := os.ReadDir(filepath.Join(tmpDir, "wal"))
	if len(entries) != 0 {
		t.Errorf("Expected replayed WAL files to be removed, got %d", len(entries))
	}
}

func TestReplayWALMissingDirectory(t *testing.T) {
	err := ReplayWAL(t.TempDir(), func(*types.WriteRequest) error {
		t.Error("Handler must not be called")
		return nil
	})
	if err != nil {
		t.Errorf("Expected no error without a WAL directory, got %v", err)
	}
}

func TestReplayWALTornTail(t *testing.T) {
	tmpDir := t.TempDir()
	walDir := filepath.Join(tmpDir, "wal")
	if err := os.MkdirAll(walDir, 0755); err != nil {
		t.Fatal(err)
	}

	content := `{"tenant_id":"ok","streams":[]}` + "\n" + `{"tenant_id":"torn","str`
	if err := os.WriteFile(filepath.Join(walDir, "wal-1.log"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	replayed := 0
	err := ReplayWAL(tmpDir, func(*types.WriteRequest) error {
		replayed++
		return nil
	})
	if err != nil {
		t.Fatalf("Expected torn tail to be tolerated, got %v", err)
	}
	if replayed != 1 {
		t.Errorf("Expected 1 replayed entry, got %d", replayed)
	}
}

func TestReplayWALHandlerError(t *testing.T) {
	tmpDir := t.TempDir()

	wal, err := NewWAL(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	if err := wal.Append(&types.WriteRequest{TenantID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := wal.Close(); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = ReplayWAL(tmpDir, func(*types.WriteRequest) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Expected handler error, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(tmpDir, "wal"))
	if len(entries) != 1 {
		t.Errorf("Expected failed WAL file to be kept, got %d files", len(entries))
	}
}
