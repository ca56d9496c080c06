package logging

import (
	"strings"
	"testing"
)

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("multisig_info", "MultisigV1secret")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("artifact payload leaked: %s", attr.Value.String())
	}
	attr = MaskField("order_id", "order-123")
	if attr.Value.String() != "order-123" {
		t.Fatalf("allowlisted key redacted: %s", attr.Value.String())
	}
	attr = MaskField("shipping_address", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value rewritten: %s", attr.Value.String())
	}
}

func TestAllowlistExcludesArtifactKeys(t *testing.T) {
	for _, key := range []string{"multisig_info", "address", "payload", "shipping_address"} {
		if IsAllowlisted(key) {
			t.Fatalf("sensitive key %q allowlisted", key)
		}
	}
	for _, key := range []string{"order_id", "session_id", "round", "attempt", "Reason"} {
		if !IsAllowlisted(key) {
			t.Fatalf("bookkeeping key %q not allowlisted", key)
		}
	}
}

func TestArtifactDigestIsShortAndStable(t *testing.T) {
	payload := "MultisigV1" + strings.Repeat("a", 100)
	first := ArtifactDigest(payload)
	if len(first) != 16 {
		t.Fatalf("digest length = %d, want 16 hex chars", len(first))
	}
	if first != ArtifactDigest(payload) {
		t.Fatal("digest not deterministic")
	}
	if strings.Contains(first, "MultisigV1") {
		t.Fatal("digest contains payload text")
	}
	if ArtifactDigest("") != "" {
		t.Fatal("empty payload should digest to empty string")
	}
}
