// Package token implements the mint decision matrix, signature/expiry
// validation, outage-mode grace evaluation, and in-flight entitlement
// evaluation described in spec §4.6. Every rule that can deny a request is
// evaluated in a fixed order; the first failing rule wins and is both
// returned to the caller and recorded in the audit stream.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/audit"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/cryptoutil"
	"github.com/rezilient/control-plane/pkg/model"
	"github.com/rezilient/control-plane/pkg/store"
)

// Denial reason codes. Byte-for-byte identifiers the HTTP layer surfaces
// to callers and the audit stream records.
const (
	DeniedInvalidGrant      = "denied_invalid_grant"
	DeniedServiceNotAllowed = "denied_service_not_allowed"
	DeniedOutage            = "denied_auth_control_plane_outage"
	DeniedInvalidClient     = "denied_invalid_client"
	DeniedTenantSuspended   = "denied_tenant_suspended"
	DeniedTenantDisabled    = "denied_tenant_disabled"
	DeniedTenantNotEntitled = "denied_tenant_not_entitled"
	DeniedInstanceSuspended = "denied_instance_suspended"
	DeniedInstanceDisabled  = "denied_instance_disabled"
	DeniedInvalidSecret     = "denied_invalid_secret"

	DeniedTokenMalformed         = "denied_token_malformed"
	DeniedTokenInvalidSignature  = "denied_token_invalid_signature"
	DeniedTokenExpired           = "denied_token_expired"
	DeniedTokenWrongServiceScope = "denied_token_wrong_service_scope"
)

// Refresh-during-outage actions and reasons.
const (
	ActionRefreshAllowed   = "refresh_allowed"
	ActionRetryWithinGrace = "retry_within_grace"
	ActionPauseInFlight    = "pause_in_flight"

	ReasonNone           = "none"
	ReasonBlockedOutage  = "blocked_auth_control_plane_outage"
	ReasonGraceExhausted = "paused_token_refresh_grace_exhausted"
)

// In-flight entitlement actions and reasons.
const (
	ActionContinue              = "continue"
	ActionPause                 = "pause"
	ActionContinueUntilBoundary = "continue_until_chunk_boundary"

	ReasonInstanceDisabled    = "paused_instance_disabled"
	ReasonEntitlementDisabled = "paused_entitlement_disabled"
)

const grantTypeClientCredentials = "client_credentials"

// Config holds the Token component's signing and timing parameters.
type Config struct {
	Issuer                   string
	SigningKey               string
	TokenTTLSeconds          int
	TokenClockSkewSeconds    int
	OutageGraceWindowSeconds int
}

// Token mints and validates compact bearer tokens and evaluates
// outage/entitlement grace windows.
type Token struct {
	store store.StateStore
	audit *audit.Recorder
	clock clock.Clock
	log   *zap.Logger
	cfg   Config
}

// New builds a Token component. Panics if the signing key is shorter than
// 32 characters: a weak HMAC key is a configuration error, not a runtime
// condition callers can recover from.
func New(s store.StateStore, rec *audit.Recorder, clk clock.Clock, log *zap.Logger, cfg Config) *Token {
	if len(cfg.SigningKey) < 32 {
		panic("token: signing_key must be at least 32 characters")
	}
	return &Token{store: s, audit: rec, clock: clk, log: log.Named("token"), cfg: cfg}
}

// MintInput is the request shape for Mint.
type MintInput struct {
	GrantType    string
	Flow         string // "", "mint", or "refresh"
	ClientID     string
	ClientSecret string
	ServiceScope string
}

// MintResult is the tagged result of Mint.
type MintResult struct {
	Success     bool
	ReasonCode  string
	AccessToken string
	ExpiresIn   int
	Scope       string
	IssuedAt    int64
	ExpiresAt   int64
	TenantID    string
	InstanceID  string
	Source      string
}

// Mint evaluates the decision matrix in §4.6.1 inside a single state-store
// transaction so eligibility checks, secret matching, and (when triggered)
// adoption marking all observe one consistent snapshot.
func (t *Token) Mint(ctx context.Context, in MintInput) (*MintResult, error) {
	var event model.AuditEvent
	result, err := t.store.Mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, error) {
		res, ev := t.evaluateMint(snap, in)
		event = ev
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	t.audit.Forward(ctx, event)
	r := result.(MintResult)
	return &r, nil
}

func (t *Token) evaluateMint(snap *model.ControlPlaneSnapshot, in MintInput) (MintResult, model.AuditEvent) {
	deny := func(tenantID, instanceID, reason string) (MintResult, model.AuditEvent) {
		event := t.audit.Append(snap, audit.RecordInput{
			EventType: "token_mint_denied", TenantID: tenantID, InstanceID: instanceID,
			ServiceScope: in.ServiceScope, DenyReason: reason,
		})
		return MintResult{Success: false, ReasonCode: reason}, event
	}

	if in.GrantType != "" && in.GrantType != grantTypeClientCredentials {
		return deny("", "", DeniedInvalidGrant)
	}
	if in.ServiceScope != model.ServiceREG && in.ServiceScope != model.ServiceRRS {
		return deny("", "", DeniedServiceNotAllowed)
	}
	if snap.OutageActive {
		return deny("", "", DeniedOutage)
	}

	instanceID, ok := snap.ClientIndex[in.ClientID]
	var instance model.Instance
	var tenant model.Tenant
	if ok {
		instance, ok = snap.Instances[instanceID]
	}
	if ok && instance.ClientCredentials == nil {
		ok = false
	}
	if ok {
		tenant, ok = snap.Tenants[instance.TenantID]
	}
	if !ok {
		return deny("", "", DeniedInvalidClient)
	}

	switch tenant.State {
	case model.StateSuspended:
		return deny(tenant.TenantID, instance.InstanceID, DeniedTenantSuspended)
	case model.StateDisabled:
		return deny(tenant.TenantID, instance.InstanceID, DeniedTenantDisabled)
	}
	if tenant.EntitlementState == model.StateSuspended || tenant.EntitlementState == model.StateDisabled {
		return deny(tenant.TenantID, instance.InstanceID, DeniedTenantNotEntitled)
	}

	switch instance.State {
	case model.StateSuspended:
		return deny(tenant.TenantID, instance.InstanceID, DeniedInstanceSuspended)
	case model.StateDisabled:
		return deny(tenant.TenantID, instance.InstanceID, DeniedInstanceDisabled)
	}

	if !serviceAllowed(instance.AllowedServices, in.ServiceScope) {
		return deny(tenant.TenantID, instance.InstanceID, DeniedServiceNotAllowed)
	}

	suppliedHash := cryptoutil.SHA256Hex(in.ClientSecret)
	nowISO := clock.FormatUTC(t.clock.Now())
	matched, isNext := matchSecret(instance.ClientCredentials, suppliedHash, nowISO)
	if matched == nil {
		return deny(tenant.TenantID, instance.InstanceID, DeniedInvalidSecret)
	}

	now := t.clock.Now()
	iat := now.Unix()
	exp := iat + int64(t.cfg.TokenTTLSeconds)
	jti, err := cryptoutil.RandomID("tok_", 16)
	if err != nil {
		return deny(tenant.TenantID, instance.InstanceID, DeniedInvalidClient)
	}
	claims := jwt.MapClaims{
		"iss":           t.cfg.Issuer,
		"sub":           in.ClientID,
		"aud":           audience(in.ServiceScope),
		"jti":           jti,
		"iat":           iat,
		"exp":           exp,
		"service_scope": in.ServiceScope,
		"tenant_id":     tenant.TenantID,
		"instance_id":   instance.InstanceID,
		"source":        instance.Source,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.cfg.SigningKey))
	if err != nil {
		return deny(tenant.TenantID, instance.InstanceID, DeniedInvalidClient)
	}

	if isNext && matched.AdoptedAt == "" {
		matched.AdoptedAt = nowISO
		t.audit.Append(snap, audit.RecordInput{
			EventType: "secret_rotation_adopted", TenantID: tenant.TenantID, InstanceID: instance.InstanceID,
			Metadata: map[string]any{"secret_version_id": matched.VersionID},
		})
	}

	eventType := "token_minted"
	if in.Flow == "refresh" {
		eventType = "token_refreshed"
	}
	event := t.audit.Append(snap, audit.RecordInput{
		EventType: eventType, TenantID: tenant.TenantID, InstanceID: instance.InstanceID, ClientID: in.ClientID,
		ServiceScope: in.ServiceScope,
		Metadata:     map[string]any{"secret_version_id": matched.VersionID, "jti": jti},
	})

	return MintResult{
		Success:     true,
		AccessToken: signed,
		ExpiresIn:   t.cfg.TokenTTLSeconds,
		Scope:       in.ServiceScope,
		IssuedAt:    iat,
		ExpiresAt:   exp,
		TenantID:    tenant.TenantID,
		InstanceID:  instance.InstanceID,
		Source:      instance.Source,
	}, event
}

// ValidateInput is the request shape for Validate.
type ValidateInput struct {
	AccessToken          string
	ExpectedServiceScope string
}

// ValidateResult is the tagged result of Validate.
type ValidateResult struct {
	Success      bool
	ReasonCode   string
	ClientID     string
	TenantID     string
	InstanceID   string
	ServiceScope string
	Source       string
	IssuedAt     int64
	ExpiresAt    int64
	JTI          string
}

// Validate runs the §4.6.3 decision matrix and records token_validated or
// token_validate_denied.
func (t *Token) Validate(ctx context.Context, in ValidateInput) (*ValidateResult, error) {
	var event model.AuditEvent
	result, err := t.store.Mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, error) {
		res, ev := t.evaluateValidate(snap, in)
		event = ev
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	t.audit.Forward(ctx, event)
	r := result.(ValidateResult)
	return &r, nil
}

func (t *Token) evaluateValidate(snap *model.ControlPlaneSnapshot, in ValidateInput) (ValidateResult, model.AuditEvent) {
	deny := func(reason string) (ValidateResult, model.AuditEvent) {
		event := t.audit.Append(snap, audit.RecordInput{
			EventType: "token_validate_denied", DenyReason: reason,
		})
		return ValidateResult{Success: false, ReasonCode: reason}, event
	}

	claims, malformed := t.parseClaims(in.AccessToken)
	if malformed != "" {
		return deny(malformed)
	}

	iss, _ := claims["iss"].(string)
	sub, _ := claims["sub"].(string)
	aud, _ := claims["aud"].(string)
	jti, _ := claims["jti"].(string)
	serviceScope, _ := claims["service_scope"].(string)
	tenantID, _ := claims["tenant_id"].(string)
	instanceID, _ := claims["instance_id"].(string)
	source, _ := claims["source"].(string)
	iat, iatOK := numericClaim(claims["iat"])
	exp, expOK := numericClaim(claims["exp"])

	if iss == "" || sub == "" || aud == "" || jti == "" || !iatOK || !expOK {
		return deny(DeniedTokenMalformed)
	}
	if serviceScope != model.ServiceREG && serviceScope != model.ServiceRRS {
		return deny(DeniedTokenMalformed)
	}
	if iss != t.cfg.Issuer {
		return deny(DeniedTokenMalformed)
	}

	nowSeconds := t.clock.Now().Unix()
	if nowSeconds > exp+int64(t.cfg.TokenClockSkewSeconds) {
		return deny(DeniedTokenExpired)
	}
	if in.ExpectedServiceScope != "" && in.ExpectedServiceScope != serviceScope {
		return deny(DeniedTokenWrongServiceScope)
	}

	event := t.audit.Append(snap, audit.RecordInput{
		EventType: "token_validated", TenantID: tenantID, InstanceID: instanceID, ClientID: sub, ServiceScope: serviceScope,
	})
	return ValidateResult{
		Success:      true,
		ClientID:     sub,
		TenantID:     tenantID,
		InstanceID:   instanceID,
		ServiceScope: serviceScope,
		Source:       source,
		IssuedAt:     iat,
		ExpiresAt:    exp,
		JTI:          jti,
	}, event
}

// parseClaims verifies the compact token's signature with the configured
// HMAC key and returns its claim set, or a malformed/invalid-signature
// reason code. Expiry and issuer checks happen afterward so the caller can
// apply spec's exact rule ordering (signature before expiry, iss folded
// into "malformed" rather than its own reason).
func (t *Token) parseClaims(accessToken string) (jwt.MapClaims, string) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(accessToken, claims, func(*jwt.Token) (any, error) {
		return []byte(t.cfg.SigningKey), nil
	})
	if err == nil {
		return claims, ""
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return nil, DeniedTokenInvalidSignature
	}
	return nil, DeniedTokenMalformed
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// SetOutageMode writes the outage flag and emits
// control_plane_outage_mode_changed.
func (t *Token) SetOutageMode(ctx context.Context, active bool, actor string) error {
	var event model.AuditEvent
	_, err := t.store.Mutate(ctx, func(snap *model.ControlPlaneSnapshot) (any, error) {
		snap.OutageActive = active
		event = t.audit.Append(snap, audit.RecordInput{
			EventType: "control_plane_outage_mode_changed", Actor: actor,
			Metadata: map[string]any{"active": active},
		})
		return nil, nil
	})
	if err != nil {
		return err
	}
	t.audit.Forward(ctx, event)
	t.log.Info("outage mode changed", zap.Bool("active", active), zap.String("actor", actor))
	return nil
}

// IsOutageModeActive reads the current outage flag.
func (t *Token) IsOutageModeActive(ctx context.Context) (bool, error) {
	snap, err := t.store.Read(ctx)
	if err != nil {
		return false, err
	}
	return snap.OutageActive, nil
}

// RefreshEvaluation is returned by EvaluateRefreshDuringOutage.
type RefreshEvaluation struct {
	Action string
	Reason string
}

// EvaluateRefreshDuringOutage implements §4.6.4's grace-window rule for an
// in-flight refresh attempt against a token expiring at tokenExpiresAt.
func (t *Token) EvaluateRefreshDuringOutage(ctx context.Context, tokenExpiresAt time.Time) (*RefreshEvaluation, error) {
	active, err := t.IsOutageModeActive(ctx)
	if err != nil {
		return nil, err
	}
	if !active {
		return &RefreshEvaluation{Action: ActionRefreshAllowed, Reason: ReasonNone}, nil
	}
	grace := time.Duration(t.cfg.OutageGraceWindowSeconds) * time.Second
	if !t.clock.Now().After(tokenExpiresAt.Add(grace)) {
		return &RefreshEvaluation{Action: ActionRetryWithinGrace, Reason: ReasonBlockedOutage}, nil
	}
	return &RefreshEvaluation{Action: ActionPauseInFlight, Reason: ReasonGraceExhausted}, nil
}

// InFlightEvaluation is returned by EvaluateInFlightEntitlement.
type InFlightEvaluation struct {
	Action string
	Reason string
}

// EvaluateInFlightEntitlement implements §4.6.5: whether in-flight work
// against instanceID may continue, given atChunkBoundary.
func (t *Token) EvaluateInFlightEntitlement(ctx context.Context, instanceID string, atChunkBoundary bool) (*InFlightEvaluation, error) {
	snap, err := t.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	instance, instanceOK := snap.Instances[instanceID]
	var tenant model.Tenant
	tenantOK := false
	if instanceOK {
		tenant, tenantOK = snap.Tenants[instance.TenantID]
	}

	instanceHealthy := instanceOK && instance.State == model.StateActive
	tenantHealthy := tenantOK && tenant.State == model.StateActive && tenant.EntitlementState == model.StateActive

	if instanceHealthy && tenantHealthy {
		return &InFlightEvaluation{Action: ActionContinue, Reason: ReasonNone}, nil
	}

	// Missing instance counts as the instance-disabled case; otherwise the
	// instance-vs-tenant distinction follows whichever actually failed.
	reason := ReasonEntitlementDisabled
	if !instanceHealthy {
		reason = ReasonInstanceDisabled
	}

	if atChunkBoundary {
		return &InFlightEvaluation{Action: ActionPause, Reason: reason}, nil
	}
	return &InFlightEvaluation{Action: ActionContinueUntilBoundary, Reason: reason}, nil
}

func audience(scope string) string {
	return fmt.Sprintf("rezilient:%s", scope)
}

func serviceAllowed(allowed []string, scope string) bool {
	for _, s := range allowed {
		if s == scope {
			return true
		}
	}
	return false
}

// matchSecret scans every candidate version with no early exit on
// mismatch: skipping revoked or expired-overlap versions, comparing each
// remaining candidate's hash in constant time. Returns the matched version
// (a pointer into instance.ClientCredentials.SecretVersions) and whether it
// is the credential's next version.
func matchSecret(creds *model.ClientCredentials, suppliedHash, nowISO string) (*model.SecretVersion, bool) {
	var matched *model.SecretVersion
	for i := range creds.SecretVersions {
		v := &creds.SecretVersions[i]
		if v.RevokedAt != "" {
			continue
		}
		if v.ValidUntil != "" && nowISO > v.ValidUntil {
			continue
		}
		if cryptoutil.ConstantTimeHexEqual(v.SecretHash, suppliedHash) {
			matched = v
		}
	}
	if matched == nil {
		return nil, false
	}
	return matched, matched.VersionID == creds.NextSecretVersionID
}
