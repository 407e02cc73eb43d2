package sandbox

import "testing"

func TestMerge_OverrideWinsWhenSet(t *testing.T) {
	base := TenancyPolicy{ResourceLimits: ResourceLimits{CPUQuotaMs: 1000, MemoryBytes: 50_000_000}}
	p := Merge(base, ResourceLimits{CPUQuotaMs: 2000}, nil, nil)

	if p.ResourceLimits.CPUQuotaMs != 2000 {
		t.Fatalf("expected override CPU quota to win, got %d", p.ResourceLimits.CPUQuotaMs)
	}
	if p.ResourceLimits.MemoryBytes != 50_000_000 {
		t.Fatalf("expected base memory limit to fill unset override, got %d", p.ResourceLimits.MemoryBytes)
	}
}

func TestMerge_NoLimitsDisablesEnforcement(t *testing.T) {
	p := Merge(TenancyPolicy{}, ResourceLimits{}, nil, nil)
	if !p.ResourceLimits.disabled() {
		t.Fatal("expected enforcement disabled when no limits remain set")
	}
}

func TestMerge_RequiredOutboundJoinsAllowlist(t *testing.T) {
	base := TenancyPolicy{NetworkPolicy: NetworkPolicy{Allow: []string{"a.example.com"}}}
	p := Merge(base, ResourceLimits{}, []string{"b.example.com"}, nil)

	if len(p.NetworkPolicy.Allow) != 2 {
		t.Fatalf("expected merged allowlist of 2, got %v", p.NetworkPolicy.Allow)
	}
}

func TestMerge_SecretsCombineBaseAndCallScopes(t *testing.T) {
	base := TenancyPolicy{SecretScopes: []string{"s1"}}
	p := Merge(base, ResourceLimits{}, nil, []string{"s2", "s1"})

	if len(p.Secrets) != 2 {
		t.Fatalf("expected deduped 2 secrets, got %v", p.Secrets)
	}
}

func TestResourceLimits_Exceeds(t *testing.T) {
	limits := ResourceLimits{CPUQuotaMs: 1000, MemoryBytes: 1000}

	if exceeded, _ := (usage{UserCPUMs: 400, SystemCPUMs: 400}).exceeds(limits); exceeded {
		t.Fatal("expected usage under limit to not exceed")
	}
	if exceeded, resource := (usage{UserCPUMs: 900, SystemCPUMs: 200}).exceeds(limits); !exceeded || resource != "cpu" {
		t.Fatalf("expected cpu to exceed, got %v/%s", exceeded, resource)
	}
	if exceeded, resource := (usage{MaxRSS: 2000}).exceeds(limits); !exceeded || resource != "memory" {
		t.Fatalf("expected memory to exceed, got %v/%s", exceeded, resource)
	}
}
