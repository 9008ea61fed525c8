package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "hostdriver.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGetHost(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	h := &Host{ID: "host-1", Name: "kvm-1", ManagementIP: "10.0.0.1", ClusterID: "cluster-a", SSHPassword: "secret"}
	if err := repo.CreateHost(ctx, h); err != nil {
		t.Fatalf("failed to create host: %v", err)
	}

	got, err := repo.GetHost(ctx, "host-1")
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	if got == nil {
		t.Fatal("host not found")
	}
	if got.ManagementIP != "10.0.0.1" || got.ClusterID != "cluster-a" || got.SSHPassword != "secret" {
		t.Errorf("retrieved host mismatch: got %+v", got)
	}
	if got.Status != HostDisconnected || got.SSHUser != "root" || got.SSHPort != 22 {
		t.Errorf("defaults not applied: got %+v", got)
	}

	missing, err := repo.GetHost(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for a missing host, got %+v, %v", missing, err)
	}
}

func TestRepository_UpdateHostStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	repo.CreateHost(ctx, &Host{ID: "host-1", Name: "kvm-1", ManagementIP: "10.0.0.1", ClusterID: "c"})

	if err := repo.UpdateHostStatus(ctx, "host-1", HostConnecting); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	updated, _ := repo.GetHost(ctx, "host-1")
	if updated.Status != HostConnecting {
		t.Errorf("status not updated: got %s, want %s", updated.Status, HostConnecting)
	}

	if err := repo.UpdateHostStatus(ctx, "ghost", HostConnected); err == nil {
		t.Error("expected an error for an unknown host")
	}
	if err := repo.UpdateHostStatus(ctx, "host-1", "Exploded"); err == nil {
		t.Error("expected the status check constraint to reject an unknown status")
	}
}

func TestRepository_ClusterPeers(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	repo.CreateHost(ctx, &Host{ID: "a", Name: "a", ManagementIP: "10.0.0.1", ClusterID: "c1"})
	repo.CreateHost(ctx, &Host{ID: "b", Name: "b", ManagementIP: "10.0.0.2", ClusterID: "c1"})
	repo.CreateHost(ctx, &Host{ID: "c", Name: "c", ManagementIP: "10.0.0.3", ClusterID: "c2"})

	peers, err := repo.ListClusterPeers(ctx, "c1", "a")
	if err != nil {
		t.Fatalf("failed to list peers: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != "b" {
		t.Errorf("expected only host b, got %+v", peers)
	}

	all, err := repo.ListHosts(ctx)
	if err != nil {
		t.Fatalf("failed to list hosts: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 hosts, got %d", len(all))
	}

	ip, err := repo.ManagementIP(ctx, "c")
	if err != nil || ip != "10.0.0.3" {
		t.Errorf("ManagementIP = %q, %v", ip, err)
	}
	if _, err := repo.ManagementIP(ctx, "ghost"); err == nil {
		t.Error("expected an error for an unknown host")
	}
}

func TestRepository_ReplaceTags(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	repo.CreateHost(ctx, &Host{ID: "host-1", Name: "kvm-1", ManagementIP: "10.0.0.1", ClusterID: "c"})

	if err := repo.ReplaceTags(ctx, "host-1", map[string]string{"libvirt::version": "4.5.0", "cpu::model": "Broadwell"}); err != nil {
		t.Fatalf("failed to replace tags: %v", err)
	}
	if err := repo.ReplaceTags(ctx, "host-1", map[string]string{"libvirt::version": "6.0.0"}); err != nil {
		t.Fatalf("failed to replace tags: %v", err)
	}

	tags, err := repo.Tags(ctx, "host-1")
	if err != nil {
		t.Fatalf("failed to read tags: %v", err)
	}
	if len(tags) != 1 || tags["libvirt::version"] != "6.0.0" {
		t.Errorf("tags not replaced: got %v", tags)
	}
}

func TestRepository_GCRecords(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec := &GCRecord{HostID: "host-1", VMID: "vm-1", Path: "/vm/stop", Reason: "connection refused"}
	if err := repo.RecordGC(ctx, rec); err != nil {
		t.Fatalf("failed to record gc: %v", err)
	}
	if rec.ID == "" || rec.Status != GCPending {
		t.Fatalf("defaults not applied: %+v", rec)
	}
	repo.RecordGC(ctx, &GCRecord{HostID: "host-2", Path: "/host/ping"})

	pending, err := repo.ListGC(ctx, GCPending)
	if err != nil {
		t.Fatalf("failed to list gc records: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending records, got %d", len(pending))
	}

	if err := repo.UpdateGC(ctx, rec.ID, GCReconciled, 1, "vm is stopped"); err != nil {
		t.Fatalf("failed to update gc record: %v", err)
	}
	got, err := repo.GetGC(ctx, rec.ID)
	if err != nil || got == nil {
		t.Fatalf("failed to get gc record: %+v, %v", got, err)
	}
	if got.Status != GCReconciled || got.Attempts != 1 || got.VMID != "vm-1" {
		t.Errorf("gc record mismatch: got %+v", got)
	}

	pending, _ = repo.ListGC(ctx, GCPending)
	if len(pending) != 1 {
		t.Errorf("expected 1 pending record, got %d", len(pending))
	}
}
