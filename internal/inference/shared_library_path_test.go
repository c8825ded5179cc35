package inference

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendSharedLibraryCandidates_FilePath(t *testing.T) {
	tmpDir := t.TempDir()
	libPath := filepath.Join(tmpDir, "libonnxruntime.so")
	if err := os.WriteFile(libPath, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	got := appendSharedLibraryCandidates(nil, libPath)
	if len(got) != 1 || got[0] != libPath {
		t.Fatalf("unexpected candidates: %#v", got)
	}
}

func TestAppendSharedLibraryCandidates_DirectoryPath(t *testing.T) {
	tmpDir := t.TempDir()
	libV := filepath.Join(tmpDir, "libonnxruntime.so.1.23.2")
	lib := filepath.Join(tmpDir, "libonnxruntime.so")
	other := filepath.Join(tmpDir, "README")
	for _, p := range []string{libV, lib, other} {
		if err := os.WriteFile(p, []byte("fake"), 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	got := appendSharedLibraryCandidates(nil, tmpDir)
	if len(got) != 2 {
		t.Fatalf("expected two library candidates, got %#v", got)
	}
	if !containsString(got, libV) || !containsString(got, lib) {
		t.Fatalf("missing library candidate in %#v", got)
	}
}

func TestModelManifestScope(t *testing.T) {
	m := &ModelManifest{SupportedInstanceFamilies: []string{"c6i", "m5.*", "r5.large"}}
	tests := []struct {
		instanceType string
		want         bool
	}{
		{"c6i.2xlarge", true},
		{"m5.large", true},
		{"r5.large", true},
		{"r5.xlarge", false},
		{"t3.micro", false},
	}
	for _, tt := range tests {
		if got, _ := m.SupportsInstanceType(tt.instanceType); got != tt.want {
			t.Errorf("SupportsInstanceType(%q) = %v, want %v", tt.instanceType, got, tt.want)
		}
	}
	var empty *ModelManifest
	if ok, _ := empty.SupportsInstanceType("anything.large"); !ok {
		t.Error("nil manifest must accept every type")
	}
}

func TestModelManifestVerifyArtifacts(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "risk.onnx")
	if err := os.WriteFile(model, []byte("model-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, err := hashFileSHA256(model)
	if err != nil {
		t.Fatal(err)
	}
	m := &ModelManifest{ArtifactChecksums: map[string]string{"risk.onnx": sum}}
	if err := m.VerifyArtifacts(model); err != nil {
		t.Fatalf("verify: %v", err)
	}

	m.ArtifactChecksums["risk.onnx"] = "deadbeef"
	if err := m.VerifyArtifacts(model); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
