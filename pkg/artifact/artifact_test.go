package artifact

import (
	"path/filepath"
	"testing"
)

func TestResolveUnderRootAcceptsNestedPath(t *testing.T) {
	s := &Store{ArtifactRoot: "./testdata"}
	root, err := filepath.Abs("./testdata")
	if err != nil {
		t.Fatal(err)
	}

	abs, err := s.resolveUnderRoot(filepath.Join(root, "run-1", "stdout.log"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if abs != filepath.Join(root, "run-1", "stdout.log") {
		t.Fatalf("resolveUnderRoot() = %q", abs)
	}
}

func TestResolveUnderRootAcceptsRootItself(t *testing.T) {
	s := &Store{ArtifactRoot: "./testdata"}
	root, err := filepath.Abs("./testdata")
	if err != nil {
		t.Fatal(err)
	}

	abs, err := s.resolveUnderRoot(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if abs != root {
		t.Fatalf("resolveUnderRoot() = %q, want %q", abs, root)
	}
}

func TestResolveUnderRootRejectsEscape(t *testing.T) {
	s := &Store{ArtifactRoot: "./testdata"}
	root, err := filepath.Abs("./testdata")
	if err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(filepath.Dir(root), "other-artifacts", "secret.log")

	if _, err := s.resolveUnderRoot(outside); err != ErrPathDenied {
		t.Fatalf("resolveUnderRoot() error = %v, want ErrPathDenied", err)
	}
}

func TestResolveUnderRootRejectsSiblingWithSamePrefix(t *testing.T) {
	s := &Store{ArtifactRoot: "./testdata"}
	root, err := filepath.Abs("./testdata")
	if err != nil {
		t.Fatal(err)
	}
	// "./testdata-evil" shares a string prefix with "./testdata" but is not
	// nested under it; the separator check must reject it.
	sibling := root + "-evil"

	if _, err := s.resolveUnderRoot(sibling); err != ErrPathDenied {
		t.Fatalf("resolveUnderRoot() error = %v, want ErrPathDenied", err)
	}
}

func TestEncodeDecodeMetadataRoundTrip(t *testing.T) {
	in := map[string]any{"exit_code": float64(0), "duration_ms": float64(120)}
	out := decodeMetadata(encodeMetadata(in))
	if len(out) != len(in) {
		t.Fatalf("decodeMetadata(encodeMetadata(%v)) = %v", in, out)
	}
	for k, v := range in {
		if out[k] != v {
			t.Fatalf("field %q = %v, want %v", k, out[k], v)
		}
	}
}

func TestEncodeMetadataNilBecomesEmptyObject(t *testing.T) {
	if got := string(encodeMetadata(nil)); got != "{}" {
		t.Fatalf("encodeMetadata(nil) = %q, want %q", got, "{}")
	}
}

func TestDecodeMetadataEmptyBytesIsNil(t *testing.T) {
	if got := decodeMetadata(nil); got != nil {
		t.Fatalf("decodeMetadata(nil) = %v, want nil", got)
	}
}
