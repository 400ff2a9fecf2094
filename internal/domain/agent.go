package domain

import "strings"

// BundleSuffix is the directory-name suffix that marks an agent bundle.
const BundleSuffix = ".3ox"

// Canon file names. A bundle is valid only when all seven are present.
const (
	FileBrainExe  = "brain.exe"
	FileBrainRS   = "brain.rs"
	FileRunScript = "run.rb"
	FileTools     = "tools.yml"
	FileLimits    = "limits.json"
	FileRoutes    = "routes.json"
	FileCargoToml = "Cargo.toml"
	FileChecksums = "checksums.json"
)

// CanonFiles lists the seven required bundle artifacts in report order.
var CanonFiles = []string{
	FileBrainExe,
	FileBrainRS,
	FileRunScript,
	FileTools,
	FileLimits,
	FileRoutes,
	FileCargoToml,
}

// Default descriptive metadata for bundles whose tools.yml omits a field.
const (
	DefaultRole        = "Unknown"
	DefaultDescription = "No description available"
	DefaultTier        = "Standard"
	DefaultIcon        = "🤖"
)

// VerificationState records whether a bundle's canon fileset is complete.
type VerificationState string

const (
	VerificationValid   VerificationState = "valid"
	VerificationInvalid VerificationState = "invalid"
)

// RunState is the supervisor-facing lifecycle state of an agent.
type RunState string

const (
	RunStateStopped RunState = "stopped"
	RunStateUnknown RunState = "unknown"
	RunStateRunning RunState = "running"
)

// AgentLimits are declared resource ceilings. They are metadata only and
// are never enforced by the supervisor.
type AgentLimits struct {
	MaxMemoryMB        uint64  `json:"max_memory_mb"`
	MaxCPUPercent      float64 `json:"max_cpu_percent"`
	MaxDiskMB          uint64  `json:"max_disk_mb"`
	TimeoutSeconds     uint64  `json:"timeout_seconds"`
	MaxConcurrentTasks uint32  `json:"max_concurrent_tasks"`
}

// DefaultLimits returns the limits assumed when limits.json is absent or unparsable.
func DefaultLimits() AgentLimits {
	return AgentLimits{
		MaxMemoryMB:        512,
		MaxCPUPercent:      50.0,
		MaxDiskMB:          1024,
		TimeoutSeconds:     300,
		MaxConcurrentTasks: 5,
	}
}

// AgentParameter describes one input of a declared endpoint.
type AgentParameter struct {
	Name        string `json:"name"`
	ParamType   string `json:"param_type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

// AgentEndpoint is one endpoint an agent claims to serve.
type AgentEndpoint struct {
	Path        string           `json:"path"`
	Method      string           `json:"method"`
	Description string           `json:"description"`
	Parameters  []AgentParameter `json:"parameters"`
}

// AgentRoutes is the parsed routes.json declaration.
type AgentRoutes struct {
	Capabilities []string        `json:"capabilities"`
	Endpoints    []AgentEndpoint `json:"endpoints"`
	MessageTypes []string        `json:"message_types"`
}

// CanonFileset maps each canon slot to the first path where it was found.
// An empty string means the slot is absent.
type CanonFileset struct {
	BrainExe  string            `json:"brain_exe,omitempty"`
	BrainRS   string            `json:"brain_rs,omitempty"`
	RunScript string            `json:"run_rb,omitempty"`
	Tools     string            `json:"tools_yml,omitempty"`
	Limits    string            `json:"limits_json,omitempty"`
	Routes    string            `json:"routes_json,omitempty"`
	CargoToml string            `json:"cargo_toml,omitempty"`
	Checksums map[string]string `json:"checksums,omitempty"`
}

// Slot returns a pointer to the slot for a canon file name, or nil when
// the name is not one of the seven canon files.
func (f *CanonFileset) Slot(name string) *string {
	switch name {
	case FileBrainExe:
		return &f.BrainExe
	case FileBrainRS:
		return &f.BrainRS
	case FileRunScript:
		return &f.RunScript
	case FileTools:
		return &f.Tools
	case FileLimits:
		return &f.Limits
	case FileRoutes:
		return &f.Routes
	case FileCargoToml:
		return &f.CargoToml
	}
	return nil
}

// Complete reports whether all seven canon slots are resolved.
func (f CanonFileset) Complete() bool {
	return len(f.Missing()) == 0
}

// Missing returns the canon file names whose slots are unresolved.
func (f CanonFileset) Missing() []string {
	var missing []string
	for _, name := range CanonFiles {
		if *f.Slot(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// AgentManifest is the in-memory record of one discovered bundle.
type AgentManifest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Description  string            `json:"description"`
	Status       RunState          `json:"status"`
	Capabilities []string          `json:"capabilities"`
	Verification VerificationState `json:"verification"`
	Tier         string            `json:"tier"`
	Icon         string            `json:"icon"`
	Path         string            `json:"path"`
	Files        CanonFileset      `json:"files"`
	MissingFiles []string          `json:"missing_files,omitempty"`
	Limits       AgentLimits       `json:"limits"`
	Routes       AgentRoutes       `json:"routes"`
}

// NewAgentManifest returns a manifest populated with default metadata.
func NewAgentManifest(id, name, path string) AgentManifest {
	return AgentManifest{
		ID:           id,
		Name:         name,
		Role:         DefaultRole,
		Description:  DefaultDescription,
		Status:       RunStateStopped,
		Capabilities: []string{},
		Verification: VerificationInvalid,
		Tier:         DefaultTier,
		Icon:         DefaultIcon,
		Path:         path,
		Limits:       DefaultLimits(),
		Routes: AgentRoutes{
			Capabilities: []string{},
			Endpoints:    []AgentEndpoint{},
			MessageTypes: []string{},
		},
	}
}

// AgentID derives the registry id from a bundle name with the suffix
// already stripped: lowercase, spaces become hyphens, nothing else changes.
func AgentID(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// Clone returns a deep copy so callers outside the registry cannot mutate
// shared slices or maps.
func (m AgentManifest) Clone() AgentManifest {
	out := m
	out.Capabilities = cloneStrings(m.Capabilities)
	out.MissingFiles = cloneStrings(m.MissingFiles)
	out.Routes.Capabilities = cloneStrings(m.Routes.Capabilities)
	out.Routes.MessageTypes = cloneStrings(m.Routes.MessageTypes)
	if m.Routes.Endpoints != nil {
		out.Routes.Endpoints = make([]AgentEndpoint, len(m.Routes.Endpoints))
		for i, ep := range m.Routes.Endpoints {
			if ep.Parameters != nil {
				ep.Parameters = append(make([]AgentParameter, 0, len(ep.Parameters)), ep.Parameters...)
			}
			out.Routes.Endpoints[i] = ep
		}
	}
	if m.Files.Checksums != nil {
		out.Files.Checksums = make(map[string]string, len(m.Files.Checksums))
		for k, v := range m.Files.Checksums {
			out.Files.Checksums[k] = v
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}
