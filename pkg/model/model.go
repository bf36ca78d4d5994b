// Package model defines the core data types for the Rezilient auth control
// plane: tenants, instances, client credentials, secret versions,
// enrollment codes, audit events, and the single serializable snapshot
// that holds all of them.
package model

// Tenant state, tenant entitlement state and instance state share the same
// three-value lifecycle.
const (
	StateActive    = "active"
	StateSuspended = "suspended"
	StateDisabled  = "disabled"
)

// Service scopes a token may authorize. Audience format is "rezilient:<scope>".
const (
	ServiceREG = "reg"
	ServiceRRS = "rrs"
)

// AllServices is the full service set, used as the default for
// Instance.AllowedServices on create.
var AllServices = []string{ServiceREG, ServiceRRS}

// Tenant is a customer organization enrolled with the control plane.
type Tenant struct {
	TenantID         string `json:"tenant_id"`
	Name             string `json:"name"`
	State            string `json:"state"`
	EntitlementState string `json:"entitlement_state"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// Instance is a single deployed customer instance owned by a Tenant.
type Instance struct {
	InstanceID        string             `json:"instance_id"`
	TenantID          string             `json:"tenant_id"`
	Source            string             `json:"source"`
	State             string             `json:"state"`
	AllowedServices   []string           `json:"allowed_services"`
	ClientCredentials *ClientCredentials `json:"client_credentials,omitempty"`
}

// ClientCredentials is the at-most-one credential set embedded in an Instance.
type ClientCredentials struct {
	ClientID               string          `json:"client_id"`
	CurrentSecretVersionID string          `json:"current_secret_version_id"`
	NextSecretVersionID    string          `json:"next_secret_version_id,omitempty"`
	SecretVersions         []SecretVersion `json:"secret_versions"`
}

// FindVersion returns the secret version with the given version_id, if present.
func (c *ClientCredentials) FindVersion(versionID string) (*SecretVersion, bool) {
	for i := range c.SecretVersions {
		if c.SecretVersions[i].VersionID == versionID {
			return &c.SecretVersions[i], true
		}
	}
	return nil, false
}

// MaxVersionN returns the highest numeric suffix N across all "sv_<N>"
// version ids, or 0 if there are none. Used to allocate the next
// monotonic sv_<N+1> id.
func (c *ClientCredentials) MaxVersionN() int {
	max := 0
	for _, v := range c.SecretVersions {
		if n := versionSuffixN(v.VersionID); n > max {
			max = n
		}
	}
	return max
}

// SecretVersion is one generation of a client's secret.
type SecretVersion struct {
	VersionID  string `json:"version_id"`
	SecretHash string `json:"secret_hash"`
	CreatedAt  string `json:"created_at"`
	AdoptedAt  string `json:"adopted_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
	ValidUntil string `json:"valid_until,omitempty"`
}

// EnrollmentCode is a one-time bootstrap code for an instance.
type EnrollmentCode struct {
	CodeID     string `json:"code_id"`
	CodeHash   string `json:"code_hash"`
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	IssuedAt   string `json:"issued_at"`
	ExpiresAt  string `json:"expires_at"`
	UsedAt     string `json:"used_at,omitempty"`
	IssuedBy   string `json:"issued_by,omitempty"`
}

// AuditEvent is one entry in the append-only audit stream.
type AuditEvent struct {
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	OccurredAt     string         `json:"occurred_at"`
	Actor          string         `json:"actor,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	InstanceID     string         `json:"instance_id,omitempty"`
	ClientID       string         `json:"client_id,omitempty"`
	ServiceScope   string         `json:"service_scope,omitempty"`
	DenyReason     string         `json:"deny_reason,omitempty"`
	InFlightReason string         `json:"in_flight_reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CrossServiceEvent is the normalized projection of an AuditEvent, shaped
// for consumption by downstream analytics/onboarding services (REG/RRS).
// Replay order is primary OccurredAt, secondary EventID.
type CrossServiceEvent struct {
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	OccurredAt   string         `json:"occurred_at"`
	TenantID     string         `json:"tenant_id,omitempty"`
	InstanceID   string         `json:"instance_id,omitempty"`
	ServiceScope string         `json:"service_scope,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ControlPlaneSnapshot is the single serializable unit the State Store
// reads and mutates as a whole. Never partially updated.
type ControlPlaneSnapshot struct {
	Version         int64                     `json:"version"`
	Tenants         map[string]Tenant         `json:"tenants"`
	Instances       map[string]Instance       `json:"instances"`
	ClientIndex     map[string]string         `json:"client_index"`     // client_id -> instance_id
	SourceIndex     map[string]string         `json:"source_index"`     // source -> instance_id
	EnrollmentCodes map[string]EnrollmentCode `json:"enrollment_codes"` // code_id -> record
	CodeHashIndex   map[string]string         `json:"code_hash_index"`  // code_hash -> code_id
	AuditEvents     []AuditEvent              `json:"audit_events"`
	CrossServiceLog []CrossServiceEvent       `json:"cross_service_log"`
	OutageActive    bool                      `json:"outage_active"`
}

// NewSnapshot returns an empty snapshot, the shape written at first
// bootstrap.
func NewSnapshot() *ControlPlaneSnapshot {
	return &ControlPlaneSnapshot{
		Tenants:         make(map[string]Tenant),
		Instances:       make(map[string]Instance),
		ClientIndex:     make(map[string]string),
		SourceIndex:     make(map[string]string),
		EnrollmentCodes: make(map[string]EnrollmentCode),
		CodeHashIndex:   make(map[string]string),
	}
}

// Clone returns a deep copy of the snapshot so callers reading it cannot
// mutate the store's working copy.
func (s *ControlPlaneSnapshot) Clone() *ControlPlaneSnapshot {
	out := &ControlPlaneSnapshot{
		Version:         s.Version,
		Tenants:         make(map[string]Tenant, len(s.Tenants)),
		Instances:       make(map[string]Instance, len(s.Instances)),
		ClientIndex:     make(map[string]string, len(s.ClientIndex)),
		SourceIndex:     make(map[string]string, len(s.SourceIndex)),
		EnrollmentCodes: make(map[string]EnrollmentCode, len(s.EnrollmentCodes)),
		CodeHashIndex:   make(map[string]string, len(s.CodeHashIndex)),
		AuditEvents:     append([]AuditEvent(nil), s.AuditEvents...),
		CrossServiceLog: append([]CrossServiceEvent(nil), s.CrossServiceLog...),
		OutageActive:    s.OutageActive,
	}
	for k, v := range s.Tenants {
		out.Tenants[k] = v
	}
	for k, v := range s.Instances {
		out.Instances[k] = cloneInstance(v)
	}
	for k, v := range s.ClientIndex {
		out.ClientIndex[k] = v
	}
	for k, v := range s.SourceIndex {
		out.SourceIndex[k] = v
	}
	for k, v := range s.EnrollmentCodes {
		out.EnrollmentCodes[k] = v
	}
	for k, v := range s.CodeHashIndex {
		out.CodeHashIndex[k] = v
	}
	return out
}

func cloneInstance(in Instance) Instance {
	out := in
	out.AllowedServices = append([]string(nil), in.AllowedServices...)
	if in.ClientCredentials != nil {
		cc := *in.ClientCredentials
		cc.SecretVersions = append([]SecretVersion(nil), in.ClientCredentials.SecretVersions...)
		out.ClientCredentials = &cc
	}
	return out
}

func versionSuffixN(versionID string) int {
	n := 0
	i := len("sv_")
	if len(versionID) <= i {
		return 0
	}
	for _, c := range versionID[i:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
