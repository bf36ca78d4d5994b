// Package enrollment implements one-time enrollment code issuance and
// exchange described in spec §4.4. Exchange runs as a single state-store
// transaction so two concurrent exchanges against the same code produce
// exactly one success.
package enrollment

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/audit"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/cryptoutil"
	"github.com/rezilient/control-plane/pkg/model"
	"github.com/rezilient/control-plane/pkg/store"
)

const (
	codeIDPrefix       = "enr_"
	codePrefix         = "enroll_"
	clientIDPrefix     = "cli_"
	clientSecretPrefix = "sec_"

	maxClientIDAllocAttempts = 10
)

// Denial reason codes for Exchange.
const (
	DeniedInvalidCode = "denied_invalid_enrollment_code"
	DeniedCodeUsed    = "denied_enrollment_code_used"
	DeniedCodeExpired = "denied_enrollment_code_expired"
)

// Enrollment issues and exchanges one-time enrollment codes.
type Enrollment struct {
	store            store.StateStore
	audit            *audit.Recorder
	clock            clock.Clock
	log              *zap.Logger
	clockSkewSeconds int
}

// New builds an Enrollment component. clockSkewSeconds applies a tolerance
// of the same kind Token applies to exp (spec §4.6.3) to the enrollment
// code's expires_at comparison (SPEC_FULL supplement); it is configured
// separately from Token's skew.
func New(s store.StateStore, rec *audit.Recorder, clk clock.Clock, log *zap.Logger, clockSkewSeconds int) *Enrollment {
	return &Enrollment{store: s, audit: rec, clock: clk, log: log.Named("enrollment"), clockSkewSeconds: clockSkewSeconds}
}

// IssueResult is returned by Issue.
type IssueResult struct {
	CodeID         string
	EnrollmentCode string // plaintext, returned exactly once
	ExpiresAt      string
}

// Issue validates that tenantID/instanceID exist and are linked, then
// persists a new EnrollmentCode keyed by both code_id and code_hash.
func (e *Enrollment) Issue(ctx context.Context, tenantID, instanceID string, ttlSeconds int, requestedBy string) (*IssueResult, error) {
	plaintext, err := cryptoutil.RandomID(codePrefix, 24)
	if err != nil {
		return nil, fmt.Errorf("enrollment: issue: %w", err)
	}
	codeID, err := cryptoutil.RandomID(codeIDPrefix, 12)
	if err != nil {
		return nil, fmt.Errorf("enrollment: issue: %w", err)
	}

	var event model.AuditEvent
	result, err := e.store.Mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, error) {
		tenant, ok := snap.Tenants[tenantID]
		if !ok {
			return nil, fmt.Errorf("enrollment: issue: tenant %q not found", tenantID)
		}
		instance, ok := snap.Instances[instanceID]
		if !ok || instance.TenantID != tenant.TenantID {
			return nil, fmt.Errorf("enrollment: issue: instance %q not linked to tenant %q", instanceID, tenantID)
		}

		now := e.clock.Now()
		issuedAt := clock.FormatUTC(now)
		expiresAt := clock.FormatUTC(now.Add(durationSeconds(ttlSeconds)))

		record := model.EnrollmentCode{
			CodeID:     codeID,
			CodeHash:   cryptoutil.SHA256Hex(plaintext),
			TenantID:   tenantID,
			InstanceID: instanceID,
			IssuedAt:   issuedAt,
			ExpiresAt:  expiresAt,
			IssuedBy:   requestedBy,
		}
		snap.EnrollmentCodes[codeID] = record
		snap.CodeHashIndex[record.CodeHash] = codeID

		event = e.audit.Append(snap, audit.RecordInput{
			EventType: "enrollment_code_issued", Actor: requestedBy, TenantID: tenantID, InstanceID: instanceID,
			Metadata: map[string]any{"code_id": codeID, "expires_at": expiresAt},
		})
		return IssueResult{CodeID: codeID, EnrollmentCode: plaintext, ExpiresAt: expiresAt}, nil
	})
	if err != nil {
		return nil, err
	}
	e.audit.Forward(ctx, event)
	r := result.(IssueResult)
	e.log.Info("enrollment code issued", zap.String("code_id", r.CodeID), zap.String("instance_id", instanceID))
	return &r, nil
}

// ExchangeResult is the tagged result of Exchange.
type ExchangeResult struct {
	Success         bool
	ReasonCode      string
	TenantID        string
	InstanceID      string
	ClientID        string
	ClientSecret    string
	SecretVersionID string
}

// Exchange looks up enrollmentCode by its hash and, in a single
// transaction, validates it and installs the initial credential. Domain
// denials (unknown/used/expired code) are returned as a failed
// ExchangeResult and still commit an audit event; only unexpected failures
// (e.g. client_id allocation exhausted) roll the transaction back.
func (e *Enrollment) Exchange(ctx context.Context, enrollmentCode string) (*ExchangeResult, error) {
	codeHash := cryptoutil.SHA256Hex(enrollmentCode)

	var event model.AuditEvent
	result, err := e.store.Mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, error) {
		codeID, ok := snap.CodeHashIndex[codeHash]
		if !ok {
			r, ev := e.deny(snap, "", "", DeniedInvalidCode)
			event = ev
			return r, nil
		}
		record := snap.EnrollmentCodes[codeID]

		instance, instanceOK := snap.Instances[record.InstanceID]
		usedAlready := record.UsedAt != "" || (instanceOK && instance.ClientCredentials != nil)
		if usedAlready {
			r, ev := e.deny(snap, record.TenantID, record.InstanceID, DeniedCodeUsed)
			event = ev
			return r, nil
		}

		now := e.clock.Now()
		expiresAt, parseErr := clock.ParseUTC(record.ExpiresAt)
		if parseErr != nil {
			return nil, fmt.Errorf("enrollment: exchange: parse expires_at: %w", parseErr)
		}
		if now.After(expiresAt.Add(durationSeconds(e.clockSkewSeconds))) {
			r, ev := e.deny(snap, record.TenantID, record.InstanceID, DeniedCodeExpired)
			event = ev
			return r, nil
		}
		if !instanceOK {
			return nil, fmt.Errorf("enrollment: exchange: instance %q for code %q vanished", record.InstanceID, codeID)
		}

		clientID, allocErr := allocateClientID(snap)
		if allocErr != nil {
			return nil, fmt.Errorf("enrollment: exchange: %w", allocErr)
		}
		clientSecret, secretErr := cryptoutil.RandomID(clientSecretPrefix, 32)
		if secretErr != nil {
			return nil, fmt.Errorf("enrollment: exchange: %w", secretErr)
		}

		versionID := "sv_1"
		nowStr := clock.FormatUTC(now)
		instance.ClientCredentials = &model.ClientCredentials{
			ClientID:               clientID,
			CurrentSecretVersionID: versionID,
			SecretVersions: []model.SecretVersion{
				{VersionID: versionID, SecretHash: cryptoutil.SHA256Hex(clientSecret), CreatedAt: nowStr},
			},
		}
		snap.Instances[record.InstanceID] = instance
		snap.ClientIndex[clientID] = record.InstanceID

		record.UsedAt = nowStr
		snap.EnrollmentCodes[codeID] = record

		event = e.audit.Append(snap, audit.RecordInput{
			EventType: "enrollment_code_exchanged", TenantID: record.TenantID, InstanceID: record.InstanceID, ClientID: clientID,
			Metadata: map[string]any{"code_id": codeID, "secret_version_id": versionID},
		})

		return ExchangeResult{
			Success:         true,
			TenantID:        record.TenantID,
			InstanceID:      record.InstanceID,
			ClientID:        clientID,
			ClientSecret:    clientSecret,
			SecretVersionID: versionID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.audit.Forward(ctx, event)
	r := result.(ExchangeResult)
	return &r, nil
}

// deny appends the token_mint_denied audit event for the enrollment_exchange
// phase and returns the failed ExchangeResult along with the event it produced.
func (e *Enrollment) deny(snap *model.ControlPlaneSnapshot, tenantID, instanceID, reason string) (ExchangeResult, model.AuditEvent) {
	event := e.audit.Append(snap, audit.RecordInput{
		EventType: "token_mint_denied", TenantID: tenantID, InstanceID: instanceID, DenyReason: reason,
		Metadata: map[string]any{"phase": "enrollment_exchange"},
	})
	return ExchangeResult{Success: false, ReasonCode: reason}, event
}

// allocateClientID retries up to maxClientIDAllocAttempts times to mint a
// client_id unique against the client index.
func allocateClientID(snap *model.ControlPlaneSnapshot) (string, error) {
	for i := 0; i < maxClientIDAllocAttempts; i++ {
		candidate, err := cryptoutil.RandomID(clientIDPrefix, 16)
		if err != nil {
			return "", err
		}
		if _, exists := snap.ClientIndex[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("client_id allocation exhausted %d attempts", maxClientIDAllocAttempts)
}

func durationSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
