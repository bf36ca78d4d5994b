package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/audit"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/registry"
	"github.com/rezilient/control-plane/pkg/store"
)

func newTestRotation() (*Rotation, *registry.Registry, *clock.Fixed) {
	s := store.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := audit.NewRecorder(clk, zap.NewNop(), nil, nil, nil)
	reg := registry.New(s, rec, clk, zap.NewNop())
	rot := New(s, reg, clk, zap.NewNop())
	return rot, reg, clk
}

func setUpCredentialedInstance(t *testing.T, reg *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	if _, err := reg.CreateTenant(ctx, "t1", "Acme", "", "", "admin"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := reg.CreateInstance(ctx, "i1", "t1", "sn://a", "", nil, "admin"); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if _, err := reg.SetInitialCredentials(ctx, "i1", "cli_x", "sv_1", "hash1"); err != nil {
		t.Fatalf("set initial credentials: %v", err)
	}
}

func TestStart_AllocatesNextVersionAndOverlapWindow(t *testing.T) {
	rot, reg, _ := newTestRotation()
	setUpCredentialedInstance(t, reg)
	ctx := context.Background()

	result, err := rot.Start(ctx, "i1", 3600, "admin")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if result.NextSecretVersionID != "sv_2" {
		t.Fatalf("expected sv_2, got %s", result.NextSecretVersionID)
	}
	if result.NextClientSecret == "" {
		t.Fatal("expected a raw next client secret")
	}
	if result.OverlapExpiresAt == "" {
		t.Fatal("expected an overlap expiry")
	}
}

func TestStart_SecondConcurrentCallFailsRotationInProgress(t *testing.T) {
	rot, reg, _ := newTestRotation()
	setUpCredentialedInstance(t, reg)
	ctx := context.Background()

	if _, err := rot.Start(ctx, "i1", 3600, "admin"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := rot.Start(ctx, "i1", 3600, "admin"); !errors.Is(err, registry.ErrRotationInProgress) {
		t.Fatalf("expected ErrRotationInProgress, got %v", err)
	}
}

func TestCompleteWithoutAdoptionFails(t *testing.T) {
	rot, reg, _ := newTestRotation()
	setUpCredentialedInstance(t, reg)
	ctx := context.Background()

	if _, err := rot.Start(ctx, "i1", 3600, "admin"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rot.Complete(ctx, "i1", "admin"); !errors.Is(err, registry.ErrRotationNotAdopted) {
		t.Fatalf("expected ErrRotationNotAdopted, got %v", err)
	}
}

func TestRecordAdoptionThenComplete(t *testing.T) {
	rot, reg, _ := newTestRotation()
	setUpCredentialedInstance(t, reg)
	ctx := context.Background()

	start, err := rot.Start(ctx, "i1", 3600, "admin")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rot.RecordAdoption(ctx, "i1", start.NextSecretVersionID); err != nil {
		t.Fatalf("record adoption: %v", err)
	}
	// Idempotent.
	if err := rot.RecordAdoption(ctx, "i1", start.NextSecretVersionID); err != nil {
		t.Fatalf("record adoption again: %v", err)
	}

	result, err := rot.Complete(ctx, "i1", "admin")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.OldID != "sv_1" || result.NewID != "sv_2" {
		t.Fatalf("expected sv_1 -> sv_2, got %+v", result)
	}
}

func TestRevoke_ClearsNextPointer(t *testing.T) {
	rot, reg, _ := newTestRotation()
	setUpCredentialedInstance(t, reg)
	ctx := context.Background()

	start, err := rot.Start(ctx, "i1", 3600, "admin")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inst, err := rot.Revoke(ctx, "i1", start.NextSecretVersionID, "compromised", "admin")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if inst.ClientCredentials.NextSecretVersionID != "" {
		t.Fatal("expected next pointer cleared after revoking the next version")
	}
}
