package model

import "testing"

func TestClone_IsIndependentOfSource(t *testing.T) {
	s := NewSnapshot()
	s.Tenants["t1"] = Tenant{TenantID: "t1", State: StateActive}
	s.Instances["i1"] = Instance{
		InstanceID:      "i1",
		TenantID:        "t1",
		AllowedServices: []string{ServiceREG},
		ClientCredentials: &ClientCredentials{
			ClientID:               "cli_1",
			CurrentSecretVersionID: "sv_1",
			SecretVersions:         []SecretVersion{{VersionID: "sv_1", SecretHash: "abc"}},
		},
	}

	clone := s.Clone()

	clone.Tenants["t1"] = Tenant{TenantID: "t1", State: StateSuspended}
	inst := clone.Instances["i1"]
	inst.AllowedServices[0] = ServiceRRS
	inst.ClientCredentials.SecretVersions[0].SecretHash = "tampered"
	clone.Instances["i1"] = inst

	if s.Tenants["t1"].State != StateActive {
		t.Fatalf("mutating clone's tenant map leaked into source")
	}
	if s.Instances["i1"].AllowedServices[0] != ServiceREG {
		t.Fatalf("mutating clone's allowed_services slice leaked into source")
	}
	if s.Instances["i1"].ClientCredentials.SecretVersions[0].SecretHash != "abc" {
		t.Fatalf("mutating clone's secret_versions slice leaked into source")
	}
}

func TestFindVersion(t *testing.T) {
	c := ClientCredentials{
		SecretVersions: []SecretVersion{
			{VersionID: "sv_1"},
			{VersionID: "sv_2"},
		},
	}
	v, ok := c.FindVersion("sv_2")
	if !ok || v.VersionID != "sv_2" {
		t.Fatalf("expected to find sv_2, got %+v ok=%v", v, ok)
	}
	if _, ok := c.FindVersion("sv_9"); ok {
		t.Fatal("expected sv_9 to be absent")
	}
}

func TestMaxVersionN(t *testing.T) {
	c := ClientCredentials{
		SecretVersions: []SecretVersion{
			{VersionID: "sv_1"},
			{VersionID: "sv_3"},
			{VersionID: "sv_2"},
		},
	}
	if got := c.MaxVersionN(); got != 3 {
		t.Fatalf("expected max version 3, got %d", got)
	}

	empty := ClientCredentials{}
	if got := empty.MaxVersionN(); got != 0 {
		t.Fatalf("expected 0 for no versions, got %d", got)
	}
}
