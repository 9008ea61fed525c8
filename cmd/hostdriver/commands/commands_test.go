package commands

import (
	"testing"
)

func TestParseJobs_GroupsBySource(t *testing.T) {
	order, groups, err := parseJobs([]string{
		"vm-1:host-a:host-b",
		"vm-2:host-c:host-a",
		"vm-3:host-a:host-c",
	})
	if err != nil {
		t.Fatalf("parseJobs() error = %v", err)
	}

	if len(order) != 2 || order[0] != "host-a" || order[1] != "host-c" {
		t.Fatalf("order = %v, want [host-a host-c]", order)
	}
	if len(groups["host-a"]) != 2 || groups["host-a"][1].VMID != "vm-3" {
		t.Errorf("host-a batch = %+v", groups["host-a"])
	}
	if groups["host-c"][0].DstHostID != "host-a" {
		t.Errorf("host-c batch = %+v", groups["host-c"])
	}
}

func TestParseJobs_Rejects(t *testing.T) {
	for _, job := range []string{"vm-1", "vm-1:host-a", ":host-a:host-b", "vm-1:host-a:host-a", "a:b:c:d"} {
		if _, _, err := parseJobs([]string{job}); err == nil {
			t.Errorf("parseJobs(%q) succeeded, want error", job)
		}
	}
}

func TestFormatTags(t *testing.T) {
	if got := formatTags(nil); got != "-" {
		t.Errorf("formatTags(nil) = %q", got)
	}
	got := formatTags(map[string]string{"qemu-img::version": "6.2.0", "libvirt::version": "8.0.0"})
	if got != "libvirt::version=8.0.0 qemu-img::version=6.2.0" {
		t.Errorf("formatTags() = %q", got)
	}
}
