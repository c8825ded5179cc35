package inference

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ModelManifest describes a risk model bundle: its input feature order, the
// instance families it was trained on and checksums of its artifacts.
type ModelManifest struct {
	Features                  []string
	SupportedInstanceFamilies []string
	ArtifactChecksums         map[string]string
}

type manifestArtifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type modelManifestFile struct {
	Features                  []string                    `json:"features"`
	SupportedInstanceFamilies []string                    `json:"supported_instance_families"`
	Artifacts                 map[string]manifestArtifact `json:"artifacts"`
}

// LoadModelManifest reads a JSON manifest.
func LoadModelManifest(path string) (*ModelManifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var raw modelManifestFile
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	known := make(map[string]struct{}, len(FeatureNames))
	for _, n := range FeatureNames {
		known[n] = struct{}{}
	}
	for _, f := range raw.Features {
		if _, ok := known[f]; !ok {
			return nil, fmt.Errorf("manifest %s: unknown feature %q", path, f)
		}
	}

	m := &ModelManifest{
		Features:                  raw.Features,
		SupportedInstanceFamilies: normalizeFamilies(raw.SupportedInstanceFamilies),
		ArtifactChecksums:         make(map[string]string),
	}
	for key, art := range raw.Artifacts {
		p := strings.TrimSpace(art.Path)
		if p == "" {
			p = key
		}
		sum := strings.TrimSpace(strings.ToLower(art.SHA256))
		if p == "" || sum == "" {
			continue
		}
		m.ArtifactChecksums[normalizeArtifactPath(p)] = sum
	}
	return m, nil
}

// VerifyArtifacts checks every given file against the manifest checksums.
// Entries may be keyed by relative path or by basename.
func (m *ModelManifest) VerifyArtifacts(paths ...string) error {
	if len(m.ArtifactChecksums) == 0 {
		return fmt.Errorf("manifest has no artifact checksums")
	}
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := m.checksumKey(p)
		if key == "" {
			return fmt.Errorf("manifest missing checksum entry for %s", p)
		}
		actual, err := hashFileSHA256(p)
		if err != nil {
			return fmt.Errorf("hash artifact %s: %w", p, err)
		}
		if !strings.EqualFold(actual, m.ArtifactChecksums[key]) {
			return fmt.Errorf("checksum mismatch for %s: expected=%s actual=%s", p, m.ArtifactChecksums[key], actual)
		}
	}
	return nil
}

func (m *ModelManifest) checksumKey(path string) string {
	for _, key := range []string{normalizeArtifactPath(path), normalizeArtifactPath(filepath.Base(path))} {
		if _, ok := m.ArtifactChecksums[key]; ok {
			return key
		}
	}
	return ""
}

// SupportsInstanceType reports whether instanceType is inside the model's
// training scope. A nil manifest or an empty family list accepts everything.
// Tokens may be a family ("c6i"), a wildcard ("c6i.*") or an exact type.
func (m *ModelManifest) SupportsInstanceType(instanceType string) (bool, string) {
	if m == nil || len(m.SupportedInstanceFamilies) == 0 {
		return true, ""
	}
	instanceType = strings.TrimSpace(strings.ToLower(instanceType))
	if instanceType == "" {
		return false, "instance type is unknown and model scope is restricted"
	}
	family, _, _ := strings.Cut(instanceType, ".")

	for _, token := range m.SupportedInstanceFamilies {
		switch {
		case strings.HasSuffix(token, "*"):
			prefix := strings.TrimSuffix(strings.TrimSuffix(token, "*"), ".")
			if family == prefix {
				return true, ""
			}
		case strings.Contains(token, "."):
			if token == instanceType {
				return true, ""
			}
		case token == family:
			return true, ""
		}
	}
	return false, fmt.Sprintf("instance family %q not supported by current model", family)
}

func hashFileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func normalizeFamilies(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func normalizeArtifactPath(path string) string {
	path = strings.TrimSpace(strings.ToLower(path))
	path = filepath.ToSlash(path)
	return strings.TrimPrefix(path, "./")
}
