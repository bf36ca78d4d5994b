// Package registry implements the tenant, instance, and credential
// lifecycle described in spec §4.3. Every mutation is transactional on the
// state store and emits exactly one audit event in the same transaction.
package registry

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/audit"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/model"
	"github.com/rezilient/control-plane/pkg/store"
)

// Registry owns tenant, instance, and credential mutations.
type Registry struct {
	store store.StateStore
	audit *audit.Recorder
	clock clock.Clock
	log   *zap.Logger
}

// New builds a Registry over s, recording every mutation through rec.
func New(s store.StateStore, rec *audit.Recorder, clk clock.Clock, log *zap.Logger) *Registry {
	return &Registry{store: s, audit: rec, clock: clk, log: log.Named("registry")}
}

// PromoteResult is returned by PromoteNextSecret.
type PromoteResult struct {
	Instance model.Instance
	OldID    string
	NewID    string
}

// mutateFn is the shape of a Registry-level transactional mutation: it
// returns the operation's result and the audit event it produced.
type mutateFn func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error)

// mutate runs fn inside a store transaction, then forwards the produced
// audit event to the cross-service sink once the transaction has
// committed.
func (r *Registry) mutate(ctx context.Context, fn mutateFn) (any, error) {
	var event model.AuditEvent
	result, err := r.store.Mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, error) {
		res, ev, ferr := fn(snap)
		if ferr != nil {
			return nil, ferr
		}
		event = ev
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	r.audit.Forward(ctx, event)
	return result, nil
}

// --- Tenants ---------------------------------------------------------------

// CreateTenant creates a new tenant. state/entitlementState default to
// "active" when empty.
func (r *Registry) CreateTenant(ctx context.Context, id, name, state, entitlementState, actor string) (*model.Tenant, error) {
	if state == "" {
		state = model.StateActive
	}
	if entitlementState == "" {
		entitlementState = model.StateActive
	}
	if !validLifecycleState(state) || !validLifecycleState(entitlementState) {
		return nil, fmt.Errorf("registry: create tenant %q: %w", id, ErrInvalidState)
	}

	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		if _, exists := snap.Tenants[id]; exists {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: create tenant %q: %w", id, ErrTenantExists)
		}
		now := clock.FormatUTC(r.clock.Now())
		tenant := model.Tenant{
			TenantID:         id,
			Name:             name,
			State:            state,
			EntitlementState: entitlementState,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		snap.Tenants[id] = tenant
		event := r.audit.Append(snap, audit.RecordInput{EventType: "tenant_created", Actor: actor, TenantID: id})
		return tenant, event, nil
	})
	if err != nil {
		return nil, err
	}
	t := result.(model.Tenant)
	r.log.Info("tenant created", zap.String("tenant_id", id))
	return &t, nil
}

// SetTenantState transitions a tenant's operational state.
func (r *Registry) SetTenantState(ctx context.Context, id, newState, actor string) (*model.Tenant, error) {
	if !validLifecycleState(newState) {
		return nil, fmt.Errorf("registry: set tenant state %q: %w", id, ErrInvalidState)
	}
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		tenant, ok := snap.Tenants[id]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set tenant state %q: %w", id, ErrTenantNotFound)
		}
		tenant.State = newState
		tenant.UpdatedAt = clock.FormatUTC(r.clock.Now())
		snap.Tenants[id] = tenant
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "tenant_state_changed", Actor: actor, TenantID: id,
			Metadata: map[string]any{"new_state": newState},
		})
		return tenant, event, nil
	})
	if err != nil {
		return nil, err
	}
	t := result.(model.Tenant)
	return &t, nil
}

// SetTenantEntitlement transitions a tenant's entitlement state.
func (r *Registry) SetTenantEntitlement(ctx context.Context, id, newState, actor string) (*model.Tenant, error) {
	if !validLifecycleState(newState) {
		return nil, fmt.Errorf("registry: set tenant entitlement %q: %w", id, ErrInvalidState)
	}
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		tenant, ok := snap.Tenants[id]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set tenant entitlement %q: %w", id, ErrTenantNotFound)
		}
		tenant.EntitlementState = newState
		tenant.UpdatedAt = clock.FormatUTC(r.clock.Now())
		snap.Tenants[id] = tenant
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "tenant_entitlement_changed", Actor: actor, TenantID: id,
			Metadata: map[string]any{"new_entitlement_state": newState},
		})
		return tenant, event, nil
	})
	if err != nil {
		return nil, err
	}
	t := result.(model.Tenant)
	return &t, nil
}

// GetTenant returns a deep copy of the tenant, or ErrTenantNotFound.
func (r *Registry) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	snap, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	tenant, ok := snap.Tenants[id]
	if !ok {
		return nil, fmt.Errorf("registry: get tenant %q: %w", id, ErrTenantNotFound)
	}
	return &tenant, nil
}

// --- Instances ---------------------------------------------------------------

// CreateInstance creates a new instance owned by tenantID. allowedServices
// defaults to the full service set when nil.
func (r *Registry) CreateInstance(ctx context.Context, id, tenantID, source, state string, allowedServices []string, actor string) (*model.Instance, error) {
	if state == "" {
		state = model.StateActive
	}
	if !validLifecycleState(state) {
		return nil, fmt.Errorf("registry: create instance %q: %w", id, ErrInvalidState)
	}
	services, err := normalizeServices(allowedServices)
	if err != nil {
		return nil, fmt.Errorf("registry: create instance %q: %w", id, err)
	}

	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		if _, ok := snap.Tenants[tenantID]; !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: create instance %q: %w", id, ErrTenantNotFound)
		}
		if _, exists := snap.Instances[id]; exists {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: create instance %q: %w", id, ErrInstanceExists)
		}
		if _, exists := snap.SourceIndex[source]; exists {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: create instance %q: %w", id, ErrSourceMappingExists)
		}
		instance := model.Instance{
			InstanceID:      id,
			TenantID:        tenantID,
			Source:          source,
			State:           state,
			AllowedServices: services,
		}
		snap.Instances[id] = instance
		snap.SourceIndex[source] = id
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "instance_created", Actor: actor, TenantID: tenantID, InstanceID: id,
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	r.log.Info("instance created", zap.String("instance_id", id), zap.String("tenant_id", tenantID))
	return &i, nil
}

// SetInstanceState transitions an instance's operational state.
func (r *Registry) SetInstanceState(ctx context.Context, id, newState, actor string) (*model.Instance, error) {
	if !validLifecycleState(newState) {
		return nil, fmt.Errorf("registry: set instance state %q: %w", id, ErrInvalidState)
	}
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[id]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set instance state %q: %w", id, ErrInstanceNotFound)
		}
		instance.State = newState
		snap.Instances[id] = instance
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "instance_state_changed", Actor: actor, TenantID: instance.TenantID, InstanceID: id,
			Metadata: map[string]any{"new_state": newState},
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	return &i, nil
}

// SetInstanceAllowedServices normalizes (dedup + sort) and replaces the
// instance's allowed service set.
func (r *Registry) SetInstanceAllowedServices(ctx context.Context, id string, services []string, actor string) (*model.Instance, error) {
	normalized, err := normalizeServices(services)
	if err != nil {
		return nil, fmt.Errorf("registry: set instance allowed services %q: %w", id, err)
	}
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[id]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set instance allowed services %q: %w", id, ErrInstanceNotFound)
		}
		instance.AllowedServices = normalized
		snap.Instances[id] = instance
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "instance_allowed_services_changed", Actor: actor, TenantID: instance.TenantID, InstanceID: id,
			Metadata: map[string]any{"allowed_services": normalized},
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	return &i, nil
}

// GetInstance returns a deep copy of the instance, or ErrInstanceNotFound.
func (r *Registry) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	snap, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	instance, ok := snap.Instances[id]
	if !ok {
		return nil, fmt.Errorf("registry: get instance %q: %w", id, ErrInstanceNotFound)
	}
	return &instance, nil
}

// GetInstanceByClientID resolves an instance through the client-id index.
func (r *Registry) GetInstanceByClientID(ctx context.Context, clientID string) (*model.Instance, error) {
	snap, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	instanceID, ok := snap.ClientIndex[clientID]
	if !ok {
		return nil, fmt.Errorf("registry: get instance by client %q: %w", clientID, ErrInstanceNotFound)
	}
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("registry: get instance by client %q: %w", clientID, ErrInstanceNotFound)
	}
	return &instance, nil
}

// --- Credentials ---------------------------------------------------------------

// SetInitialCredentials installs the first SecretVersion on an instance
// and marks it current.
func (r *Registry) SetInitialCredentials(ctx context.Context, instanceID, clientID, versionID, secretHash string) (*model.Instance, error) {
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set initial credentials %q: %w", instanceID, ErrInstanceNotFound)
		}
		if owner, exists := snap.ClientIndex[clientID]; exists && owner != instanceID {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set initial credentials %q: %w", instanceID, ErrClientIDTaken)
		}
		if instance.ClientCredentials != nil && instance.ClientCredentials.ClientID != clientID {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: set initial credentials %q: %w", instanceID, ErrCredentialsExist)
		}
		now := clock.FormatUTC(r.clock.Now())
		instance.ClientCredentials = &model.ClientCredentials{
			ClientID:               clientID,
			CurrentSecretVersionID: versionID,
			SecretVersions: []model.SecretVersion{
				{VersionID: versionID, SecretHash: secretHash, CreatedAt: now},
			},
		}
		snap.Instances[instanceID] = instance
		snap.ClientIndex[clientID] = instanceID
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "initial_credentials_set", TenantID: instance.TenantID, InstanceID: instanceID, ClientID: clientID,
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	return &i, nil
}

// AddNextSecretVersion appends a new SecretVersion and sets it as next,
// starting a rotation window.
func (r *Registry) AddNextSecretVersion(ctx context.Context, instanceID, versionID, secretHash, validUntil string) (*model.Instance, error) {
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: add next secret version %q: %w", instanceID, ErrInstanceNotFound)
		}
		if instance.ClientCredentials == nil {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: add next secret version %q: %w", instanceID, ErrCredentialsMissing)
		}
		if instance.ClientCredentials.NextSecretVersionID != "" {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: add next secret version %q: %w", instanceID, ErrRotationInProgress)
		}
		if _, exists := instance.ClientCredentials.FindVersion(versionID); exists {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: add next secret version %q: %w", instanceID, ErrSecretVersionExists)
		}
		now := clock.FormatUTC(r.clock.Now())
		instance.ClientCredentials.SecretVersions = append(instance.ClientCredentials.SecretVersions, model.SecretVersion{
			VersionID:  versionID,
			SecretHash: secretHash,
			CreatedAt:  now,
			ValidUntil: validUntil,
		})
		instance.ClientCredentials.NextSecretVersionID = versionID
		snap.Instances[instanceID] = instance
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "secret_rotation_started", TenantID: instance.TenantID, InstanceID: instanceID, ClientID: instance.ClientCredentials.ClientID,
			Metadata: map[string]any{"next_secret_version_id": versionID},
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	return &i, nil
}

// MarkSecretAdopted idempotently sets adopted_at on versionID the first
// time it is called.
func (r *Registry) MarkSecretAdopted(ctx context.Context, instanceID, versionID string) (*model.Instance, error) {
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: mark secret adopted %q: %w", instanceID, ErrInstanceNotFound)
		}
		if instance.ClientCredentials == nil {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: mark secret adopted %q: %w", instanceID, ErrCredentialsMissing)
		}
		version, ok := instance.ClientCredentials.FindVersion(versionID)
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: mark secret adopted %q: %w", instanceID, ErrSecretVersionNotFound)
		}
		if version.AdoptedAt != "" {
			// Idempotent: nothing changed, still emit an event so callers
			// can see the repeated adoption attempt in the audit trail.
			event := r.audit.Append(snap, audit.RecordInput{
				EventType: "secret_rotation_adopted", TenantID: instance.TenantID, InstanceID: instanceID,
				Metadata: map[string]any{"secret_version_id": versionID, "already_adopted": true},
			})
			return instance, event, nil
		}
		version.AdoptedAt = clock.FormatUTC(r.clock.Now())
		setVersion(&instance, *version)
		snap.Instances[instanceID] = instance
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "secret_rotation_adopted", TenantID: instance.TenantID, InstanceID: instanceID,
			Metadata: map[string]any{"secret_version_id": versionID},
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	return &i, nil
}

// PromoteNextSecret completes a rotation: the old current secret is
// revoked, the next version's ValidUntil is cleared, and pointers move.
func (r *Registry) PromoteNextSecret(ctx context.Context, instanceID string) (*PromoteResult, error) {
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: promote next secret %q: %w", instanceID, ErrInstanceNotFound)
		}
		if instance.ClientCredentials == nil {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: promote next secret %q: %w", instanceID, ErrCredentialsMissing)
		}
		creds := instance.ClientCredentials
		if creds.NextSecretVersionID == "" {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: promote next secret %q: %w", instanceID, ErrNoNextSecretVersion)
		}
		nextVersion, ok := creds.FindVersion(creds.NextSecretVersionID)
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: promote next secret %q: %w", instanceID, ErrSecretVersionNotFound)
		}
		if nextVersion.AdoptedAt == "" {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: promote next secret %q: %w", instanceID, ErrRotationNotAdopted)
		}
		oldID := creds.CurrentSecretVersionID
		oldVersion, ok := creds.FindVersion(oldID)
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: promote next secret %q: %w", instanceID, ErrSecretVersionNotFound)
		}

		oldVersion.RevokedAt = clock.FormatUTC(r.clock.Now())
		setVersion(&instance, *oldVersion)

		nextVersion.ValidUntil = ""
		setVersion(&instance, *nextVersion)

		instance.ClientCredentials.CurrentSecretVersionID = creds.NextSecretVersionID
		instance.ClientCredentials.NextSecretVersionID = ""
		snap.Instances[instanceID] = instance

		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "secret_rotation_completed", TenantID: instance.TenantID, InstanceID: instanceID,
			Metadata: map[string]any{"old_secret_version_id": oldID, "new_secret_version_id": nextVersion.VersionID},
		})
		return PromoteResult{Instance: instance, OldID: oldID, NewID: nextVersion.VersionID}, event, nil
	})
	if err != nil {
		return nil, err
	}
	p := result.(PromoteResult)
	return &p, nil
}

// RevokeSecretVersion marks a SecretVersion revoked. If it was the next
// version, the next pointer is cleared.
func (r *Registry) RevokeSecretVersion(ctx context.Context, instanceID, versionID, reason, actor string) (*model.Instance, error) {
	result, err := r.mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, model.AuditEvent, error) {
		instance, ok := snap.Instances[instanceID]
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: revoke secret version %q: %w", instanceID, ErrInstanceNotFound)
		}
		if instance.ClientCredentials == nil {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: revoke secret version %q: %w", instanceID, ErrCredentialsMissing)
		}
		version, ok := instance.ClientCredentials.FindVersion(versionID)
		if !ok {
			return nil, model.AuditEvent{}, fmt.Errorf("registry: revoke secret version %q: %w", instanceID, ErrSecretVersionNotFound)
		}
		version.RevokedAt = clock.FormatUTC(r.clock.Now())
		setVersion(&instance, *version)
		if instance.ClientCredentials.NextSecretVersionID == versionID {
			instance.ClientCredentials.NextSecretVersionID = ""
		}
		snap.Instances[instanceID] = instance
		event := r.audit.Append(snap, audit.RecordInput{
			EventType: "secret_revoked", Actor: actor, TenantID: instance.TenantID, InstanceID: instanceID,
			Metadata: map[string]any{"secret_version_id": versionID, "reason": reason},
		})
		return instance, event, nil
	})
	if err != nil {
		return nil, err
	}
	i := result.(model.Instance)
	return &i, nil
}

// setVersion writes version back into instance.ClientCredentials.SecretVersions in place.
func setVersion(instance *model.Instance, version model.SecretVersion) {
	for i := range instance.ClientCredentials.SecretVersions {
		if instance.ClientCredentials.SecretVersions[i].VersionID == version.VersionID {
			instance.ClientCredentials.SecretVersions[i] = version
			return
		}
	}
}

func validLifecycleState(s string) bool {
	switch s {
	case model.StateActive, model.StateSuspended, model.StateDisabled:
		return true
	default:
		return false
	}
}

// normalizeServices dedups and sorts services, validating each against the
// known service set. A nil or empty input yields the full service set.
func normalizeServices(services []string) ([]string, error) {
	if len(services) == 0 {
		return append([]string(nil), model.AllServices...), nil
	}
	seen := make(map[string]bool, len(services))
	out := make([]string, 0, len(services))
	for _, svc := range services {
		if svc != model.ServiceREG && svc != model.ServiceRRS {
			return nil, fmt.Errorf("invalid service scope %q", svc)
		}
		if !seen[svc] {
			seen[svc] = true
			out = append(out, svc)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("allowed_services must not be empty")
	}
	sort.Strings(out)
	return out, nil
}
