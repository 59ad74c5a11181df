package api

import (
	"fmt"
	"strings"
	"time"
)

// snapshotRelease is the rolling release; snapshot builds carry no release
// token in their public image names.
const snapshotRelease = "snapshot"

// Request is the JSON body clients submit to the upgrade-check,
// upgrade-request and build-request endpoints.
type Request struct {
	Distro         string   `json:"distro,omitempty"`
	Version        string   `json:"version,omitempty"`
	Target         string   `json:"target"`
	Subtarget      string   `json:"subtarget"`
	Profile        string   `json:"profile,omitempty"`
	Packages       []string `json:"packages,omitempty"`
	NetworkProfile string   `json:"network_profile,omitempty"`
}

// Status is the lifecycle state of an image request. A request moves
// requested -> building -> created -> ready, with the failure states
// branching off any intermediate state.
type Status string

const (
	StatusRequested     Status = "requested"
	StatusBuilding      Status = "building"
	StatusCreated       Status = "created"
	StatusReady         Status = "ready"
	StatusBuildFail     Status = "build_fail"
	StatusImageSizeFail Status = "imagesize_fail"
	StatusSigningFail   Status = "signing_fail"

	// StatusImagebuilder is reported to clients while no worker holds the
	// skill for the requested subtarget yet.
	StatusImagebuilder Status = "imagebuilder"
)

// Terminal reports whether no further transition will happen for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusReady, StatusBuildFail, StatusImageSizeFail, StatusSigningFail:
		return true
	}
	return false
}

// SpecialPackages are package names clients tend to submit although they are
// not installable; they are silently accepted during validation.
var SpecialPackages = []string{"kernel", "libc", "base-files"}

// SubtargetKey identifies the finest supported hardware-family axis.
type SubtargetKey struct {
	Distro    string `json:"distro"`
	Release   string `json:"release"`
	Target    string `json:"target"`
	Subtarget string `json:"subtarget"`
}

func (k SubtargetKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Distro, k.Release, k.Target, k.Subtarget)
}

// Support is the tri-state supported flag on a subtarget.
type Support int

const (
	SupportUnknown     Support = 0
	SupportSupported   Support = 1
	SupportUnsupported Support = 2
)

// BuildJob is a claimed image request, joined with the expanded package
// list, as handed to a worker.
type BuildJob struct {
	ID          int64
	RequestHash string
	SubtargetKey
	Profile        string
	Packages       []string
	PackagesHash   string
	NetworkProfile string
}

// Image describes a firmware image that finished building.
type Image struct {
	ID        int64
	ImageHash string
	SubtargetKey
	Profile          string
	ManifestHash     string
	NetworkProfile   string
	Checksum         string
	Filesize         int64
	BuildDate        time.Time
	SysupgradeSuffix string
	SubtargetInName  bool
	ProfileInName    bool
	Vanilla          bool
}

// SanitizeNetworkProfile makes a network profile path safe for use inside
// an image file name.
func SanitizeNetworkProfile(networkProfile string) string {
	return strings.ReplaceAll(strings.ReplaceAll(networkProfile, "/", "-"), ".", "_")
}

// Name returns the canonical prefix of the image's published artifact names.
// The release is elided for snapshot builds, the manifest hash for vanilla
// ones, and the subtarget and profile tokens appear only when the toolchain
// put them into the file name.
func (i Image) Name() string {
	parts := []string{i.Distro}
	if i.Release != snapshotRelease {
		parts = append(parts, i.Release)
	}
	if !i.Vanilla {
		parts = append(parts, i.ManifestHash)
	}
	if i.NetworkProfile != "" {
		parts = append(parts, SanitizeNetworkProfile(i.NetworkProfile))
	}
	parts = append(parts, i.Target)
	if i.SubtargetInName {
		parts = append(parts, i.Subtarget)
	}
	if i.ProfileInName {
		parts = append(parts, i.Profile)
	}
	return strings.Join(parts, "-")
}

// SysupgradeFileName is the file name of the image's sysupgrade artifact in
// the download tree.
func (i Image) SysupgradeFileName() string {
	return i.Name() + "-" + i.SysupgradeSuffix
}

// PackageVersion is a (name, version) pair from a package catalogue or a
// build manifest.
type PackageVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Profile is a device-specific starting point inside a subtarget.
type Profile struct {
	Name     string
	Model    string
	Packages string
}
