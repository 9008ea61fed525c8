package host

import (
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fly-io/hostdriver/pkg/agent"
)

// Host tag names derived from agent facts.
const (
	TagOSDistribution = "os::distribution"
	TagOSRelease      = "os::release"
	TagOSVersion      = "os::version"
	TagLibvirtVersion = "libvirt::version"
	TagQemuImgVersion = "qemu-img::version"
	TagHvmCPUFlag     = "hvm::cpu-flag"
	TagCPUModel       = "cpu::model"
	TagHostCPUModel   = "host::cpu-model"
	TagCPUGHz         = "cpu::ghz"
	TagVirtioSCSI     = "virtio-scsi"
	TagExtraIPs       = "extra-ips"
)

// virtio-scsi disks need libvirt 1.0.4 or later.
var minVirtioSCSILibvirt = semver.MustParse("1.0.4")

// FactTags derives capability tags from facts. Empty facts produce no tag.
func FactTags(facts *agent.HostFactResponse, managementIP string) map[string]string {
	tags := make(map[string]string)
	set := func(name, value string) {
		if v := strings.TrimSpace(value); v != "" {
			tags[name] = v
		}
	}

	set(TagOSDistribution, facts.OSDistribution)
	set(TagOSRelease, facts.OSRelease)
	set(TagOSVersion, facts.OSVersion)
	set(TagLibvirtVersion, facts.LibvirtVersion)
	set(TagQemuImgVersion, facts.QemuImgVersion)
	set(TagHvmCPUFlag, facts.HvmCPUFlag)
	set(TagCPUModel, facts.CPUModelName)
	set(TagHostCPUModel, facts.HostCPUModelName)
	set(TagCPUGHz, facts.CPUGHz)

	if v, err := semver.NewVersion(facts.LibvirtVersion); err == nil && !v.LessThan(minVirtioSCSILibvirt) {
		tags[TagVirtioSCSI] = "true"
	}

	var extra []string
	for _, ip := range facts.IPAddresses {
		if ip != "" && ip != managementIP && !slices.Contains(extra, ip) {
			extra = append(extra, ip)
		}
	}
	if len(extra) > 0 {
		tags[TagExtraIPs] = strings.Join(extra, ",")
	}
	return tags
}

// sameVersion compares two tool versions semantically when both parse
// ("4.5" equals "4.5.0") and textually otherwise.
func sameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Equal(vb)
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// Incompatibility describes one tag that differs from a cluster peer.
type Incompatibility struct {
	Tag    string
	Host   string
	Peer   string
	PeerID string
}

// CompareWithPeer returns the tags of mine that differ from a peer's. Tags the
// peer never reported are not compared.
func CompareWithPeer(mine, peer map[string]string, peerID string, checkCPUModel bool) []Incompatibility {
	names := []string{TagQemuImgVersion, TagLibvirtVersion}
	if checkCPUModel {
		names = append(names, TagCPUModel)
	}

	var diffs []Incompatibility
	for _, name := range names {
		theirs, ok := peer[name]
		if !ok || theirs == "" {
			continue
		}
		ours := mine[name]
		same := ours == theirs
		if name != TagCPUModel {
			same = sameVersion(ours, theirs)
		}
		if !same {
			diffs = append(diffs, Incompatibility{Tag: name, Host: ours, Peer: theirs, PeerID: peerID})
		}
	}
	return diffs
}
