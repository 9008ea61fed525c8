package agent

import (
	"encoding/json"
)

// Agent endpoint paths.
const (
	PathConnect               = "/host/connect"
	PathPing                  = "/host/ping"
	PathEcho                  = "/host/echo"
	PathHostFact              = "/host/fact"
	PathUpdateDependency      = "/host/updatedependency"
	PathStartVM               = "/vm/start"
	PathStopVM                = "/vm/stop"
	PathRebootVM              = "/vm/reboot"
	PathDestroyVM             = "/vm/destroy"
	PathPauseVM               = "/vm/pause"
	PathResumeVM              = "/vm/resume"
	PathCheckVMState          = "/vm/checkstate"
	PathMigrateVM             = "/vm/migrate"
	PathAttachDataVolume      = "/vm/attachdatavolume"
	PathDetachDataVolume      = "/vm/detachdatavolume"
	PathTakeVolumeSnapshot    = "/vm/volume/takesnapshot"
	PathHardenConsole         = "/vm/console/harden"
	PathDeleteConsoleFirewall = "/vm/console/deletefirewall"
)

// HeaderResourceID correlates a call with the resource it acts on at the agent.
const HeaderResourceID = "resourceUuid"

// AddonsField is the reserved command field carrying extension augmentations.
const AddonsField = "addons"

// Enveloped is implemented by every agent response. Responses embed AgentResponse.
type Enveloped interface {
	Envelope() *AgentResponse
}

// AgentResponse is the envelope common to all agent responses.
type AgentResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r *AgentResponse) Envelope() *AgentResponse { return r }

// RawResponse keeps every field of a response whose shape the caller does not know.
type RawResponse struct {
	AgentResponse
	Fields map[string]any
}

func (r *RawResponse) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.Fields); err != nil {
		return err
	}
	return json.Unmarshal(data, &r.AgentResponse)
}

type PingCmd struct {
	HostUUID string `json:"hostUuid"`
}

type PingResponse struct {
	AgentResponse
	HostUUID string `json:"hostUuid"`
}

type ConnectCmd struct {
	HostUUID       string   `json:"hostUuid"`
	SendCommandURL string   `json:"sendCommandUrl"`
	IptablesRules  []string `json:"iptablesRules,omitempty"`
	IgnoreMsrs     bool     `json:"ignoreMsrs"`
}

type ConnectResponse struct {
	AgentResponse
	LibvirtVersion string `json:"libvirtVersion"`
	QemuVersion    string `json:"qemuVersion"`
}

type HostFactCmd struct {
	IgnoreMsrs bool `json:"ignoreMsrs"`
}

type HostFactResponse struct {
	AgentResponse
	OSDistribution    string   `json:"osDistribution"`
	OSVersion         string   `json:"osVersion"`
	OSRelease         string   `json:"osRelease"`
	QemuImgVersion    string   `json:"qemuImgVersion"`
	LibvirtVersion    string   `json:"libvirtVersion"`
	HvmCPUFlag        string   `json:"hvmCpuFlag"`
	CPUModelName      string   `json:"cpuModelName"`
	HostCPUModelName  string   `json:"hostCpuModelName"`
	CPUGHz            string   `json:"cpuGHz"`
	SystemProductName string   `json:"systemProductName"`
	IPAddresses       []string `json:"ipAddresses"`
}

type UpdateDependencyCmd struct {
	HostUUID string `json:"hostUuid"`
}

type StartVMCmd struct {
	VMInstanceUUID string   `json:"vmInstanceUuid"`
	VMName         string   `json:"vmName"`
	CPUNum         int      `json:"cpuNum"`
	MemoryBytes    int64    `json:"memory"`
	BootDev        []string `json:"bootDev,omitempty"`
}

type StartVMResponse struct {
	AgentResponse
	VNCPort int `json:"vncPort"`
}

type StopVMCmd struct {
	UUID    string `json:"uuid"`
	Type    string `json:"type"`
	Timeout int64  `json:"timeout"`
}

type RebootVMCmd struct {
	UUID    string `json:"uuid"`
	Timeout int64  `json:"timeout"`
}

type DestroyVMCmd struct {
	UUID string `json:"uuid"`
}

type PauseVMCmd struct {
	UUID    string `json:"uuid"`
	Timeout int64  `json:"timeout"`
}

type ResumeVMCmd struct {
	UUID    string `json:"uuid"`
	Timeout int64  `json:"timeout"`
}

type CheckVMStateCmd struct {
	VMUUIDs  []string `json:"vmUuids"`
	HostUUID string   `json:"hostUuid"`
}

type CheckVMStateResponse struct {
	AgentResponse
	States map[string]string `json:"states"`
}

type MigrateVMCmd struct {
	VMUUID                 string `json:"vmUuid"`
	DestHostIP             string `json:"destHostIp"`
	SrcHostIP              string `json:"srcHostIp"`
	StorageMigrationPolicy string `json:"storageMigrationPolicy,omitempty"`
	MigrateFromDestination bool   `json:"migrateFromDestination"`
	UseNuma                bool   `json:"useNuma"`
}

type HardenConsoleCmd struct {
	VMInternalID     int64  `json:"vmInternalId"`
	VMUUID           string `json:"vmUuid"`
	HostManagementIP string `json:"hostManagementIp"`
}

type DeleteConsoleFirewallCmd struct {
	VMInternalID     int64  `json:"vmInternalId"`
	VMUUID           string `json:"vmUuid"`
	HostManagementIP string `json:"hostManagementIp"`
}

type VolumeTO struct {
	VolumeUUID  string `json:"volumeUuid"`
	InstallPath string `json:"installPath"`
	DeviceID    int    `json:"deviceId"`
	DeviceType  string `json:"deviceType"`
	UseVirtio   bool   `json:"useVirtio"`
	Shareable   bool   `json:"shareable"`
	CacheMode   string `json:"cacheMode,omitempty"`
}

type AttachDataVolumeCmd struct {
	VMUUID string   `json:"vmUuid"`
	Volume VolumeTO `json:"volume"`
}

type DetachDataVolumeCmd struct {
	VMUUID string   `json:"vmUuid"`
	Volume VolumeTO `json:"volume"`
}

type TakeSnapshotCmd struct {
	VMUUID       string `json:"vmUuid"`
	VolumeUUID   string `json:"volumeUuid"`
	VolumePath   string `json:"volumeInstallPath"`
	InstallPath  string `json:"installPath"`
	FullSnapshot bool   `json:"fullSnapshot"`
}

type TakeSnapshotResponse struct {
	AgentResponse
	NewVolumeInstallPath string `json:"newVolumeInstallPath"`
	SnapshotInstallPath  string `json:"snapshotInstallPath"`
	Size                 int64  `json:"size"`
}
