package logging

import "testing"

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("authorization", "Bearer secret-token")
	if got := attr.Value.String(); got != RedactedValue {
		t.Fatalf("authorization value = %q, want %q", got, RedactedValue)
	}

	attr = MaskField("Method", "trade_release")
	if got := attr.Value.String(); got != "trade_release" {
		t.Fatalf("allowlisted key masked: %q", got)
	}

	attr = MaskField("token", "")
	if got := attr.Value.String(); got != "" {
		t.Fatalf("empty value rewritten: %q", got)
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("hunter2"); got != RedactedValue {
		t.Fatalf("MaskValue = %q, want %q", got, RedactedValue)
	}
	if got := MaskValue("   "); got != "   " {
		t.Fatalf("whitespace value rewritten: %q", got)
	}
}

func TestRedactionAllowlistIsSorted(t *testing.T) {
	keys := RedactionAllowlist()
	if len(keys) == 0 {
		t.Fatal("allowlist empty")
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted at %d: %q >= %q", i, keys[i-1], keys[i])
		}
	}
	for _, key := range keys {
		if !IsAllowlisted(key) {
			t.Fatalf("key %q reported as not allowlisted", key)
		}
	}
}
