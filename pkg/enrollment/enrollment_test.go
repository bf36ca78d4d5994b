package enrollment

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rezilient/control-plane/pkg/audit"
	"github.com/rezilient/control-plane/pkg/clock"
	"github.com/rezilient/control-plane/pkg/registry"
	"github.com/rezilient/control-plane/pkg/store"
)

func newTestEnrollment(clockSkewSeconds int) (*Enrollment, *registry.Registry, *clock.Fixed) {
	s := store.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := audit.NewRecorder(clk, zap.NewNop(), nil, nil, nil)
	reg := registry.New(s, rec, clk, zap.NewNop())
	return New(s, rec, clk, zap.NewNop(), clockSkewSeconds), reg, clk
}

func bootstrapInstance(t *testing.T, reg *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	if _, err := reg.CreateTenant(ctx, "tenant-acme", "Acme", "", "", "admin"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := reg.CreateInstance(ctx, "instance-dev-01", "tenant-acme", "sn://acme-dev.service-now.com", "", nil, "admin"); err != nil {
		t.Fatalf("create instance: %v", err)
	}
}

func TestIssueThenExchange_Succeeds(t *testing.T) {
	e, reg, _ := newTestEnrollment(30)
	bootstrapInstance(t, reg)
	ctx := context.Background()

	issued, err := e.Issue(ctx, "tenant-acme", "instance-dev-01", 900, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.EnrollmentCode == "" {
		t.Fatal("expected a plaintext enrollment code")
	}

	result, err := e.Exchange(ctx, issued.EnrollmentCode)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got reason %q", result.ReasonCode)
	}
	if result.SecretVersionID != "sv_1" {
		t.Fatalf("expected sv_1, got %s", result.SecretVersionID)
	}
	if result.ClientID == "" || result.ClientSecret == "" {
		t.Fatal("expected client_id and client_secret to be populated")
	}
}

func TestExchange_ReplayFailsSecondTime(t *testing.T) {
	e, reg, _ := newTestEnrollment(30)
	bootstrapInstance(t, reg)
	ctx := context.Background()

	issued, err := e.Issue(ctx, "tenant-acme", "instance-dev-01", 900, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	first, err := e.Exchange(ctx, issued.EnrollmentCode)
	if err != nil || !first.Success {
		t.Fatalf("expected first exchange to succeed, got %+v err=%v", first, err)
	}
	second, err := e.Exchange(ctx, issued.EnrollmentCode)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if second.Success || second.ReasonCode != DeniedCodeUsed {
		t.Fatalf("expected denied_enrollment_code_used, got %+v", second)
	}
}

func TestExchange_UnknownCodeDenied(t *testing.T) {
	e, reg, _ := newTestEnrollment(30)
	bootstrapInstance(t, reg)

	result, err := e.Exchange(context.Background(), "enroll_does-not-exist")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if result.Success || result.ReasonCode != DeniedInvalidCode {
		t.Fatalf("expected denied_invalid_enrollment_code, got %+v", result)
	}
}

func TestExchange_ExpiredCodeDenied(t *testing.T) {
	e, reg, clk := newTestEnrollment(0)
	bootstrapInstance(t, reg)
	ctx := context.Background()

	issued, err := e.Issue(ctx, "tenant-acme", "instance-dev-01", 60, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.AdvanceSeconds(61)

	result, err := e.Exchange(ctx, issued.EnrollmentCode)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if result.Success || result.ReasonCode != DeniedCodeExpired {
		t.Fatalf("expected denied_enrollment_code_expired, got %+v", result)
	}
}

func TestExchange_ClockSkewExtendsExpiry(t *testing.T) {
	e, reg, clk := newTestEnrollment(30)
	bootstrapInstance(t, reg)
	ctx := context.Background()

	issued, err := e.Issue(ctx, "tenant-acme", "instance-dev-01", 60, "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// 61s after issue, 1s past expiry, but within the 30s skew tolerance.
	clk.AdvanceSeconds(61)

	result, err := e.Exchange(ctx, issued.EnrollmentCode)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected skew-tolerant exchange to succeed, got %+v", result)
	}
}
