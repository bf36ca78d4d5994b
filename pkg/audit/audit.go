// Package audit implements the append-only audit stream described in
// spec §4.2: every domain mutation appends its AuditEvent(s) (inside
// the same state-store transaction that produced it — Open Question (a)
// resolved in favor of atomic append) and a normalized CrossServiceEvent
// projection, then best-effort forwards the normalized projection to an
// external analytics sink once the transaction has committed.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rezilient/control-plane/internal/clickhouse"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/model"
	"github.com/rezilient/control-plane/pkg/store"
)

// defaultRedactSubstrings is the built-in set per spec §3: metadata keys
// whose lowercase form contains any of these are redacted. Configuration,
// not a hard-coded rule — callers may override via NewRecorder.
var defaultRedactSubstrings = []string{"secret", "enrollment_code", "token"}

// defaultRedactWhitelist overrides the substring rule for keys ending in
// one of these suffixes, whose value is an identifier, not secret material.
var defaultRedactWhitelist = []string{"secret_version_id"}

const redacted = "[REDACTED]"

// RecordInput is the caller-supplied shape for a new audit event. EventID
// and OccurredAt are filled in by Append.
type RecordInput struct {
	EventType      string
	Actor          string
	TenantID       string
	InstanceID     string
	ClientID       string
	ServiceScope   string
	DenyReason     string
	InFlightReason string
	Metadata       map[string]any
}

// Recorder appends audit events and mirrors their normalized projection to
// an external sink.
type Recorder struct {
	clock     clock.Clock
	log       *zap.Logger
	ch        *clickhouse.DB // nil disables cross-service forwarding
	redact    []string
	whitelist []string
}

// NewRecorder builds a Recorder. ch may be nil (forwarding disabled, e.g.
// in tests). redactSubstrings/whitelist default per spec §3 when nil.
func NewRecorder(clk clock.Clock, log *zap.Logger, ch *clickhouse.DB, redactSubstrings, whitelist []string) *Recorder {
	if redactSubstrings == nil {
		redactSubstrings = defaultRedactSubstrings
	}
	if whitelist == nil {
		whitelist = defaultRedactWhitelist
	}
	return &Recorder{
		clock:     clk,
		log:       log.Named("audit"),
		ch:        ch,
		redact:    redactSubstrings,
		whitelist: whitelist,
	}
}

// Append builds a new AuditEvent and its CrossServiceEvent projection, and
// appends both to snap. Must be called from inside a store.MutateFunc so
// the append is atomic with the mutation that produced it. Returns the
// built event so the caller can forward it after the transaction commits.
func (r *Recorder) Append(snap *model.ControlPlaneSnapshot, in RecordInput) model.AuditEvent {
	id := uuid.NewString()
	occurredAt := clock.FormatUTC(r.clock.Now())
	meta := r.sanitize(in.Metadata)

	event := model.AuditEvent{
		EventID:        id,
		EventType:      in.EventType,
		OccurredAt:     occurredAt,
		Actor:          in.Actor,
		TenantID:       in.TenantID,
		InstanceID:     in.InstanceID,
		ClientID:       in.ClientID,
		ServiceScope:   in.ServiceScope,
		DenyReason:     in.DenyReason,
		InFlightReason: in.InFlightReason,
		Metadata:       meta,
	}
	snap.AuditEvents = append(snap.AuditEvents, event)

	normalized := model.CrossServiceEvent{
		EventID:      id,
		EventType:    in.EventType,
		OccurredAt:   occurredAt,
		TenantID:     in.TenantID,
		InstanceID:   in.InstanceID,
		ServiceScope: in.ServiceScope,
		Metadata:     meta,
	}
	snap.CrossServiceLog = append(snap.CrossServiceLog, normalized)

	r.log.Info("audit event recorded", zap.String("event_type", in.EventType), zap.String("event_id", id))
	return event
}

// Forward mirrors event to the external cross-service analytics sink.
// Fire-and-forget: a forwarding failure is logged, never propagated, since
// the sink is a secondary, non-authoritative write.
func (r *Recorder) Forward(ctx context.Context, event model.AuditEvent) {
	if r.ch == nil {
		return
	}
	go func() {
		_, err := r.ch.Pool().ExecContext(context.Background(),
			`INSERT INTO rezilient_audit.cross_service_events
			 (event_id, event_type, occurred_at, tenant_id, instance_id, service_scope)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			event.EventID, event.EventType, event.OccurredAt, event.TenantID, event.InstanceID, event.ServiceScope,
		)
		if err != nil {
			r.log.Warn("cross-service forward failed", zap.Error(err), zap.String("event_id", event.EventID))
		}
	}()
	_ = ctx // the background context outlives the caller's request scope intentionally
}

// List returns events sorted ascending by OccurredAt, trimmed to the last
// limit entries if limit > 0.
func (r *Recorder) List(ctx context.Context, s store.StateStore, limit int) ([]model.AuditEvent, error) {
	snap, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	events := append([]model.AuditEvent(nil), snap.AuditEvents...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].OccurredAt < events[j].OccurredAt })
	return trimEvents(events, limit), nil
}

// ListCrossService returns the normalized projection ordered by replay
// order: primary OccurredAt, secondary EventID.
func (r *Recorder) ListCrossService(ctx context.Context, s store.StateStore, limit int) ([]model.CrossServiceEvent, error) {
	snap, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	events := append([]model.CrossServiceEvent(nil), snap.CrossServiceLog...)
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt != events[j].OccurredAt {
			return events[i].OccurredAt < events[j].OccurredAt
		}
		return events[i].EventID < events[j].EventID
	})
	return trimCrossService(events, limit), nil
}

func trimEvents(events []model.AuditEvent, limit int) []model.AuditEvent {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

func trimCrossService(events []model.CrossServiceEvent, limit int) []model.CrossServiceEvent {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}

// sanitize walks metadata recursively, redacting any key whose lowercase
// form contains a configured substring, except whitelisted keys. A
// sanitization error (unexpected non-serializable value) is recovered by
// substituting [REDACTED] rather than failing the record.
func (r *Recorder) sanitize(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	return r.sanitizeMap(meta)
}

func (r *Recorder) sanitizeMap(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if r.shouldRedactKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = r.sanitizeValue(v)
	}
	return out
}

func (r *Recorder) sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.sanitizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.sanitizeValue(item)
		}
		return out
	default:
		if _, err := json.Marshal(val); err != nil {
			return redacted
		}
		return val
	}
}

func (r *Recorder) shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	for _, w := range r.whitelist {
		if strings.HasSuffix(lower, w) {
			return false
		}
	}
	for _, s := range r.redact {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
