package sandbox

import "testing"

func TestRedactor_StringReplacesEverySecret(t *testing.T) {
	r := newRedactor([]string{"sk-12345", "tenant-token"})
	got := r.String("auth header used sk-12345 and tenant-token in the request")
	if got != "auth header used [REDACTED] and [REDACTED] in the request" {
		t.Fatalf("unexpected redaction: %s", got)
	}
}

func TestRedactor_LongestFirstAvoidsPartialShadowing(t *testing.T) {
	r := newRedactor([]string{"sk-123", "sk-12345"})
	got := r.String("value sk-12345 end")
	if got != "value [REDACTED] end" {
		t.Fatalf("expected a single clean redaction, got %s", got)
	}
}

func TestRedactor_ValueWalksNestedStructures(t *testing.T) {
	r := newRedactor([]string{"topsecret"})
	in := map[string]interface{}{
		"outer": []interface{}{"topsecret", map[string]interface{}{"inner": "value topsecret here"}},
	}
	out := r.Value(in).(map[string]interface{})
	list := out["outer"].([]interface{})
	if list[0] != "[REDACTED]" {
		t.Fatalf("expected top-level redaction, got %v", list[0])
	}
	nested := list[1].(map[string]interface{})
	if nested["inner"] != "value [REDACTED] here" {
		t.Fatalf("expected nested redaction, got %v", nested["inner"])
	}
}

func TestCollectSecrets_DedupesAcrossSources(t *testing.T) {
	creds := map[string]interface{}{"apiKey": "abc123"}
	auth := map[string]interface{}{"token": "abc123"}
	got := collectSecrets(creds, auth, []string{"abc123", "extra"})
	if len(got) != 2 {
		t.Fatalf("expected deduped 2 secrets, got %v", got)
	}
}

func TestRedactor_NoSecretsIsNoOp(t *testing.T) {
	r := newRedactor(nil)
	if r.String("plain text") != "plain text" {
		t.Fatal("expected no-op redaction when no secrets configured")
	}
}
