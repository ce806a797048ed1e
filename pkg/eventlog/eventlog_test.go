package eventlog

import "testing"

func TestNormalizePayloadDefaultsSchemaVersion(t *testing.T) {
	out := normalizePayload(map[string]any{"foo": "bar"})
	if out["schema_version"] != SchemaVersion {
		t.Fatalf("expected default schema_version %d, got %v", SchemaVersion, out["schema_version"])
	}
	if out["foo"] != "bar" {
		t.Fatalf("expected original key preserved, got %v", out["foo"])
	}
}

func TestNormalizePayloadKeepsExplicitSchemaVersion(t *testing.T) {
	out := normalizePayload(map[string]any{"schema_version": 2})
	if out["schema_version"] != 2 {
		t.Fatalf("expected explicit schema_version preserved, got %v", out["schema_version"])
	}
}

func TestNormalizePayloadRejectsNonPositiveSchemaVersion(t *testing.T) {
	out := normalizePayload(map[string]any{"schema_version": 0})
	if out["schema_version"] != SchemaVersion {
		t.Fatalf("expected non-positive schema_version replaced with default, got %v", out["schema_version"])
	}
}

func TestSchemaVersionOf(t *testing.T) {
	if v := SchemaVersionOf(nil); v != SchemaVersion {
		t.Fatalf("expected default for nil payload, got %d", v)
	}
	if v := SchemaVersionOf(map[string]any{"schema_version": float64(3)}); v != 3 {
		t.Fatalf("expected 3 from float64-encoded json number, got %d", v)
	}
	if v := SchemaVersionOf(map[string]any{"schema_version": -1}); v != SchemaVersion {
		t.Fatalf("expected default for negative schema_version, got %d", v)
	}
}

func TestPayloadHashIsDeterministicAndSensitiveToContent(t *testing.T) {
	a, err := payloadHash(map[string]any{"run_id": "r1", "event_type": "queued"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := payloadHash(map[string]any{"run_id": "r1", "event_type": "queued"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical payloads to hash identically, got %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars (blake2b-256), got %d", len(a))
	}

	c, err := payloadHash(map[string]any{"run_id": "r1", "event_type": "failed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == c {
		t.Fatal("expected different payloads to hash differently")
	}
}

func TestHexEncode(t *testing.T) {
	got := hexEncode([]byte{0x00, 0xab, 0xff})
	want := "00abff"
	if got != want {
		t.Fatalf("hexEncode() = %q, want %q", got, want)
	}
}
