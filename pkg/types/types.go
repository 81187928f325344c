package types

import "time"

// DeploymentStatus is a state in the Deployment Manager's state machine.
type DeploymentStatus string

const (
	StatusPending       DeploymentStatus = "pending"
	StatusDownloading   DeploymentStatus = "downloading"
	StatusLoading       DeploymentStatus = "loading"
	StatusBuildingEnv   DeploymentStatus = "building_env"
	StatusStarting      DeploymentStatus = "starting"
	StatusWaitingReady  DeploymentStatus = "waiting_ready"
	StatusHealthy       DeploymentStatus = "healthy"
	StatusDraining      DeploymentStatus = "draining"
	StatusStopped       DeploymentStatus = "stopped"
	StatusFailed        DeploymentStatus = "failed"
)

// Terminal reports whether no further automatic transition happens from
// this status without an explicit teardown request.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusHealthy, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// PackageScheme enumerates the allowed schemes for DeploymentRequest.PackageSource.
// Local-filesystem schemes are deliberately excluded to prevent SSRF.
type PackageScheme string

const (
	SchemeObjectStore PackageScheme = "object-store"
	SchemeHTTPS       PackageScheme = "https"
)

// DeploymentRequest is the immutable intake for one deployment intent.
type DeploymentRequest struct {
	RequestID          string
	DeploymentID       string // caller-suggested correlation id; generated if empty
	AgentAppID         string
	OrgID              string
	Version            string
	PackageSource      string // full URL, scheme must be object-store or https
	PackageFingerprint string // optional 64-hex sha256
	ForceRefresh       bool
	Environment        map[string]string
	BasePath           string
}

// DeploymentRecord is the mutable state of one deployment, exclusively owned
// by the Deployment Manager.
type DeploymentRecord struct {
	DeploymentID string
	RequestID    string
	AgentAppID   string
	OrgID        string
	Version      string
	Status       DeploymentStatus

	RESTPort int
	RPCPort  int
	UIPort   int

	PackagePath string
	EnvPath     string
	ChildPID    int

	CreatedAt time.Time
	UpdatedAt time.Time

	LastError *LastError
	Details   map[string]string

	Surfaces SurfaceStatus
}

// LastError records the most recent terminal failure for a deployment.
type LastError struct {
	Kind    string
	Message string
	At      time.Time
}

// SurfaceStatus reports which of the three surfaces a running child has
// bound, as reflected by its last /health response.
type SurfaceStatus struct {
	REST bool
	RPC  bool
	UI   bool
}

// PortsAllocated reports whether a full (rest, rpc, ui) triple has been
// reserved for this record yet.
func (r *DeploymentRecord) PortsAllocated() bool {
	return r.RESTPort != 0 || r.RPCPort != 0 || r.UIPort != 0
}

// CachedPackage is a materialised, integrity-verified package artifact on
// local disk.
type CachedPackage struct {
	Path        string
	Fingerprint string
	SizeBytes   int64
	FetchedAt   time.Time
}

// SurfaceSpec describes one declared surface inside a PackageManifest.
type SurfaceSpec struct {
	RESTEntry  string
	RPCService string
	UIPath     string
	UIBasePath string
}

// PackageManifest is the declarative description parsed from a package's
// manifest file.
type PackageManifest struct {
	Name       string
	Version    string
	Entrypoint string
	Surfaces   SurfaceSpec
}

// HasAnySurface reports whether the manifest declares at least one surface,
// the invariant the Manifest Reader must enforce.
func (m *PackageManifest) HasAnySurface() bool {
	return m.Surfaces.RESTEntry != "" || m.Surfaces.RPCService != "" || m.Surfaces.UIPath != ""
}

// Environment is a materialised, per-package isolated dependency closure.
type Environment struct {
	Path                  string
	DependencyFingerprint string
	CreatedAt             time.Time
	LastUsedAt            time.Time
}

// PortAllocation is a reservation of one (REST, RPC, UI) port triple.
type PortAllocation struct {
	DeploymentID string
	RESTPort     int
	RPCPort      int
	UIPort       int
}
