// Package rotation orchestrates the dual-secret overlap state machine
// described in spec §4.5: STABLE -> ROTATING -> ADOPTED_PENDING_PROMOTION ->
// STABLE. Each operation delegates its transactional work to Registry, whose
// credential mutations already enforce the relevant preconditions inside a
// single state-store transaction.
package rotation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/cryptoutil"
	"github.com/rezilient/control-plane/pkg/model"
	"github.com/rezilient/control-plane/pkg/registry"
	"github.com/rezilient/control-plane/pkg/store"
)

// Rotation drives secret rotation for instance credentials.
type Rotation struct {
	store store.StateStore
	reg   *registry.Registry
	clock clock.Clock
	log   *zap.Logger
}

// New builds a Rotation component over reg.
func New(s store.StateStore, reg *registry.Registry, clk clock.Clock, log *zap.Logger) *Rotation {
	return &Rotation{store: s, reg: reg, clock: clk, log: log.Named("rotation")}
}

// StartResult is returned by Start.
type StartResult struct {
	InstanceID          string
	NextSecretVersionID string
	NextClientSecret    string
	OverlapExpiresAt    string
}

// Start allocates the next sv_<N+1> version, generates its raw secret, and
// opens a rotation window that stays valid for overlapSeconds.
func (r *Rotation) Start(ctx context.Context, instanceID string, overlapSeconds int, requestedBy string) (*StartResult, error) {
	snap, err := r.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("rotation: start %q: %w", instanceID, err)
	}
	instance, ok := snap.Instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("rotation: start %q: %w", instanceID, registry.ErrInstanceNotFound)
	}
	if instance.ClientCredentials == nil {
		return nil, fmt.Errorf("rotation: start %q: %w", instanceID, registry.ErrCredentialsMissing)
	}

	// nextN is computed from a read taken outside any transaction; it is
	// only a candidate. AddNextSecretVersion below re-validates every
	// precondition (no rotation in progress, version_id not already taken)
	// inside its own store.Mutate, so a stale read here only ever costs a
	// retry, never a corrupted version id.
	nextN := instance.ClientCredentials.MaxVersionN() + 1
	versionID := fmt.Sprintf("sv_%d", nextN)
	secret, err := cryptoutil.RandomID("sec_", 32)
	if err != nil {
		return nil, fmt.Errorf("rotation: start %q: %w", instanceID, err)
	}
	validUntil := clock.FormatUTC(r.clock.Now().Add(time.Duration(overlapSeconds) * time.Second))

	if _, err := r.reg.AddNextSecretVersion(ctx, instanceID, versionID, cryptoutil.SHA256Hex(secret), validUntil); err != nil {
		return nil, err
	}
	r.log.Info("secret rotation started", zap.String("instance_id", instanceID), zap.String("next_secret_version_id", versionID))
	return &StartResult{
		InstanceID:          instanceID,
		NextSecretVersionID: versionID,
		NextClientSecret:    secret,
		OverlapExpiresAt:    validUntil,
	}, nil
}

// RecordAdoption idempotently marks versionID adopted. Token does not call
// this: a mint that succeeds against the next version sets adopted_at
// itself, inside the mint's own transaction.
func (r *Rotation) RecordAdoption(ctx context.Context, instanceID, versionID string) error {
	_, err := r.reg.MarkSecretAdopted(ctx, instanceID, versionID)
	return err
}

// CompleteResult is returned by Complete.
type CompleteResult struct {
	OldID string
	NewID string
}

// Complete promotes the next version to current. Fails with
// ErrRotationNotAdopted if the next version has never been adopted.
func (r *Rotation) Complete(ctx context.Context, instanceID, requestedBy string) (*CompleteResult, error) {
	result, err := r.reg.PromoteNextSecret(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	r.log.Info("secret rotation completed", zap.String("instance_id", instanceID),
		zap.String("old_secret_version_id", result.OldID), zap.String("new_secret_version_id", result.NewID))
	return &CompleteResult{OldID: result.OldID, NewID: result.NewID}, nil
}

// Revoke marks versionID revoked, clearing the next pointer if it was the
// rotation's next version.
func (r *Rotation) Revoke(ctx context.Context, instanceID, versionID, reason, requestedBy string) (*model.Instance, error) {
	return r.reg.RevokeSecretVersion(ctx, instanceID, versionID, reason, requestedBy)
}
