package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"oxsets/internal/domain"
)

func newTestVerifier() *Verifier {
	return NewVerifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyWithChecksums(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "run.rb"), "puts 'hi'\n")
	writeFile(t, filepath.Join(dir, "src", "brain.rs"), "fn main() {}\n")

	m := domain.NewAgentManifest("scout", "Scout", dir)
	m.Files.Checksums = map[string]string{
		"run.rb":       digest("puts 'hi'\n"),
		"src/brain.rs": digest("something else"),
		"tools.yml":    digest(""),
	}

	got := newTestVerifier().Verify(m)

	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(got), got)
	}
	if !got["run.rb"] {
		t.Error("run.rb should match")
	}
	if got["src/brain.rs"] {
		t.Error("src/brain.rs has different content and should not match")
	}
	if got["tools.yml"] {
		t.Error("tools.yml is missing on disk and should not match")
	}
}

func TestVerifyChecksumCaseSensitive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "run.rb"), "x")

	m := domain.NewAgentManifest("scout", "Scout", dir)
	upper := []byte(digest("x"))
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
		}
	}
	m.Files.Checksums = map[string]string{"run.rb": string(upper)}

	if newTestVerifier().Verify(m)["run.rb"] {
		t.Error("uppercase digest must not match")
	}
}

func TestVerifyWithoutChecksumsChecksTopLevelOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range domain.CanonFiles {
		writeFile(t, filepath.Join(dir, name), name)
	}
	// brain.exe only exists nested; the resolved slot must not count.
	if err := os.Remove(filepath.Join(dir, domain.FileBrainExe)); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "target", domain.FileBrainExe)
	writeFile(t, nested, "bin")

	m := domain.NewAgentManifest("scout", "Scout", dir)
	m.Files.BrainExe = nested

	got := newTestVerifier().Verify(m)

	if len(got) != len(domain.CanonFiles) {
		t.Fatalf("expected %d entries, got %d", len(domain.CanonFiles), len(got))
	}
	for _, name := range domain.CanonFiles {
		want := name != domain.FileBrainExe
		if got[name] != want {
			t.Errorf("%s: got %v, want %v", name, got[name], want)
		}
	}
}

func TestVerifyEmptyChecksumDeclaration(t *testing.T) {
	m := domain.NewAgentManifest("scout", "Scout", t.TempDir())
	m.Files.Checksums = map[string]string{}

	if got := newTestVerifier().Verify(m); len(got) != 0 {
		t.Errorf("expected empty result for empty declaration, got %v", got)
	}
}

func TestVerifyIsStateless(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.rb")
	writeFile(t, path, "v1")

	m := domain.NewAgentManifest("scout", "Scout", dir)
	m.Files.Checksums = map[string]string{"run.rb": digest("v1")}

	v := newTestVerifier()
	if !v.Verify(m)["run.rb"] {
		t.Fatal("first verify should match")
	}
	writeFile(t, path, "v2")
	if v.Verify(m)["run.rb"] {
		t.Error("second verify should see modified content")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	writeFile(t, path, "hello")

	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if got != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected digest %s", got)
	}

	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMismatches(t *testing.T) {
	r := domain.VerificationResult{"a": true, "b": false, "c": false}
	if n := Mismatches(r); n != 2 {
		t.Errorf("Mismatches = %d, want 2", n)
	}
}
