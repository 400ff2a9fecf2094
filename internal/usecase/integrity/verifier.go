// Package integrity checks an agent bundle's files against its declared
// checksums, or for plain existence when no checksums are declared.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"oxsets/internal/domain"
)

// Verifier computes per-file verification results. It holds no state
// between calls; every Verify reads the bundle from disk again.
type Verifier struct {
	logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(logger *slog.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// Verify reports, for each file, whether it checks out.
//
// With a checksum declaration every listed relative path is hashed and
// compared case-sensitively to its declared digest. Without one, the seven
// canon names are checked for existence directly under the bundle root.
// Per-file failures are reported as false and never abort the batch.
func (v *Verifier) Verify(m domain.AgentManifest) domain.VerificationResult {
	if m.Files.Checksums == nil {
		return v.verifyPresence(m.Path)
	}

	result := make(domain.VerificationResult, len(m.Files.Checksums))
	for rel, want := range m.Files.Checksums {
		got, err := HashFile(filepath.Join(m.Path, rel))
		if err != nil {
			v.logger.Debug("checksum unavailable", "agent_id", m.ID, "file", rel, "error", err)
			result[rel] = false
			continue
		}
		result[rel] = got == want
		if got != want {
			v.logger.Warn("checksum mismatch", "agent_id", m.ID, "file", rel)
		}
	}
	return result
}

func (v *Verifier) verifyPresence(root string) domain.VerificationResult {
	result := make(domain.VerificationResult, len(domain.CanonFiles))
	for _, name := range domain.CanonFiles {
		_, err := os.Stat(filepath.Join(root, name))
		result[name] = err == nil
	}
	return result
}

// HashFile returns the lowercase hex SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Mismatches counts the false entries in a result.
func Mismatches(r domain.VerificationResult) int {
	n := 0
	for _, ok := range r {
		if !ok {
			n++
		}
	}
	return n
}
