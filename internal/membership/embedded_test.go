package membership

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.etcd.io/etcd/server/v3/embed"
)

func TestDetectClusterStateFreshStart(t *testing.T) {
	tempDir := t.TempDir()

	state := detectClusterState(tempDir)

	if state != embed.ClusterStateFlagNew {
		t.Errorf("expected cluster state %q, got %q", embed.ClusterStateFlagNew, state)
	}
}

func TestDetectClusterStateExistingWithWAL(t *testing.T) {
	tempDir := t.TempDir()
	walDir := filepath.Join(tempDir, "member", "wal")
	if err := os.MkdirAll(walDir, 0755); err != nil {
		t.Fatalf("failed to create wal dir: %v", err)
	}
	walFile := filepath.Join(walDir, "0000000000000001-0000000000000001.wal")
	if err := os.WriteFile(walFile, []byte("wal data"), 0644); err != nil {
		t.Fatalf("failed to write wal file: %v", err)
	}

	state := detectClusterState(tempDir)
	if state != embed.ClusterStateFlagExisting {
		t.Errorf("expected cluster state %q, got %q", embed.ClusterStateFlagExisting, state)
	}
}

func TestDetectClusterStateExistingWithSnapshotDB(t *testing.T) {
	tempDir := t.TempDir()
	snapDir := filepath.Join(tempDir, "member", "snap")
	snapDB := filepath.Join(snapDir, "db")
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		t.Fatalf("failed to create snap dir: %v", err)
	}
	if err := os.WriteFile(snapDB, []byte("snapshot data"), 0644); err != nil {
		t.Fatalf("failed to write snapshot db: %v", err)
	}

	state := detectClusterState(tempDir)
	if state != embed.ClusterStateFlagExisting {
		t.Errorf("expected cluster state %q, got %q", embed.ClusterStateFlagExisting, state)
	}
}

func TestDetectClusterStateEmptyWALDirectoryPanics(t *testing.T) {
	tempDir := t.TempDir()
	walDir := filepath.Join(tempDir, "member", "wal")
	if err := os.MkdirAll(walDir, 0755); err != nil {
		t.Fatalf("failed to create wal dir: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for member directory with no valid data")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "no valid etcd data") {
			t.Errorf("expected panic message about no valid etcd data, got: %v", r)
		}
	}()

	detectClusterState(tempDir)
}

func TestDetectClusterStateMemberIsFilePanics(t *testing.T) {
	tempDir := t.TempDir()
	memberPath := filepath.Join(tempDir, "member")
	if err := os.WriteFile(memberPath, []byte("not a directory"), 0644); err != nil {
		t.Fatalf("failed to create member file: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic when member path is a file")
		}
		if msg, ok := r.(string); !ok || !strings.Contains(msg, "not a directory") {
			t.Errorf("expected panic about not a directory, got: %v", r)
		}
	}()

	detectClusterState(tempDir)
}

func TestDetectClusterStateIdempotency(t *testing.T) {
	tempDir := t.TempDir()

	if state := detectClusterState(tempDir); state != embed.ClusterStateFlagNew {
		t.Errorf("first call: expected %q, got %q", embed.ClusterStateFlagNew, state)
	}

	walDir := filepath.Join(tempDir, "member", "wal")
	if err := os.MkdirAll(walDir, 0755); err != nil {
		t.Fatalf("failed to create wal dir: %v", err)
	}
	walFile := filepath.Join(walDir, "0000000000000001-0000000000000001.wal")
	if err := os.WriteFile(walFile, []byte("wal data"), 0644); err != nil {
		t.Fatalf("failed to write wal file: %v", err)
	}

	if state := detectClusterState(tempDir); state != embed.ClusterStateFlagExisting {
		t.Errorf("second call: expected %q, got %q", embed.ClusterStateFlagExisting, state)
	}
	if state := detectClusterState(tempDir); state != embed.ClusterStateFlagExisting {
		t.Errorf("third call: expected %q, got %q", embed.ClusterStateFlagExisting, state)
	}
}

func TestDetectClusterStateWALCompactedAwayButSnapshotExists(t *testing.T) {
	tempDir := t.TempDir()
	memberDir := filepath.Join(tempDir, "member")
	walDir := filepath.Join(memberDir, "wal")
	snapDir := filepath.Join(memberDir, "snap")
	snapDB := filepath.Join(snapDir, "db")

	if err := os.MkdirAll(walDir, 0755); err != nil {
		t.Fatalf("failed to create wal dir: %v", err)
	}
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		t.Fatalf("failed to create snap dir: %v", err)
	}
	if err := os.WriteFile(snapDB, []byte("snapshot data"), 0644); err != nil {
		t.Fatalf("failed to write snapshot db: %v", err)
	}

	state := detectClusterState(tempDir)
	if state != embed.ClusterStateFlagExisting {
		t.Errorf("expected cluster state %q, got %q", embed.ClusterStateFlagExisting, state)
	}
}
