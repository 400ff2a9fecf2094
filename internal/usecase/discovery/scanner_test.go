package discovery

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxsets/internal/domain"
)

func newTestScanner() *Scanner {
	return NewScanner("", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// makeBundle creates a bundle with every canon file at the top level.
func makeBundle(t *testing.T, root, dirName string) string {
	t.Helper()
	dir := filepath.Join(root, dirName)
	for _, name := range domain.CanonFiles {
		write(t, filepath.Join(dir, name), "")
	}
	return dir
}

func TestScanCompleteBundle(t *testing.T) {
	root := t.TempDir()
	dir := makeBundle(t, root, "Scout.3ox")

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)

	m := manifests[0]
	assert.Equal(t, "scout", m.ID)
	assert.Equal(t, "Scout", m.Name)
	assert.Equal(t, dir, m.Path)
	assert.Equal(t, domain.VerificationValid, m.Verification)
	assert.Equal(t, domain.RunStateStopped, m.Status)
	assert.Empty(t, m.MissingFiles)
	assert.Nil(t, m.Files.Checksums)
	assert.Equal(t, filepath.Join(dir, "run.rb"), m.Files.RunScript)
}

func TestScanEmptyRoot(t *testing.T) {
	manifests, err := newTestScanner().Scan(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, manifests)
	assert.Empty(t, manifests)
}

func TestScanMissingRoot(t *testing.T) {
	manifests, err := newTestScanner().Scan(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestScanRootIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	write(t, path, "")

	_, err := newTestScanner().Scan(context.Background(), path)
	assert.Error(t, err)
}

func TestScanSkipsNonBundles(t *testing.T) {
	root := t.TempDir()
	makeBundle(t, root, "Scout.3ox")
	makeBundle(t, root, "Scout")
	makeBundle(t, root, "Scout.3ox.bak")
	write(t, filepath.Join(root, "Loose.3ox"), "a file, not a directory")
	makeBundle(t, root, filepath.Join("nested", "Deep.3ox"))

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "scout", manifests[0].ID)
}

func TestScanIDNormalization(t *testing.T) {
	root := t.TempDir()
	makeBundle(t, root, "Market Watcher!.3ox")

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "market-watcher!", manifests[0].ID)
	assert.Equal(t, "Market Watcher!", manifests[0].Name)
}

func TestScanSkipsEmptyName(t *testing.T) {
	root := t.TempDir()
	makeBundle(t, root, ".3ox")
	makeBundle(t, root, "Ok.3ox")

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "ok", manifests[0].ID)
}

func TestScanEachMissingSlotInvalidates(t *testing.T) {
	for _, missing := range domain.CanonFiles {
		t.Run(missing, func(t *testing.T) {
			root := t.TempDir()
			dir := makeBundle(t, root, "Scout.3ox")
			require.NoError(t, os.Remove(filepath.Join(dir, missing)))

			manifests, err := newTestScanner().Scan(context.Background(), root)
			require.NoError(t, err)
			require.Len(t, manifests, 1)
			assert.Equal(t, domain.VerificationInvalid, manifests[0].Verification)
			assert.Equal(t, domain.RunStateUnknown, manifests[0].Status)
			assert.Equal(t, []string{missing}, manifests[0].MissingFiles)
		})
	}
}

func TestScanResolvesNestedFilesFirstOccurrenceWins(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "Scout.3ox")
	for _, name := range domain.CanonFiles {
		write(t, filepath.Join(dir, "b", name), "")
	}
	write(t, filepath.Join(dir, "a", "deep", "brain.exe"), "")
	write(t, filepath.Join(dir, "c", "brain.exe"), "")

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)

	m := manifests[0]
	assert.Equal(t, domain.VerificationValid, m.Verification)
	assert.Equal(t, filepath.Join(dir, "a", "deep", "brain.exe"), m.Files.BrainExe)
	assert.Equal(t, filepath.Join(dir, "b", "run.rb"), m.Files.RunScript)
}

func TestScanIgnoresDirectoriesNamedLikeCanonFiles(t *testing.T) {
	root := t.TempDir()
	dir := makeBundle(t, root, "Scout.3ox")
	require.NoError(t, os.Remove(filepath.Join(dir, "brain.exe")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "brain.exe"), 0o755))

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, domain.VerificationInvalid, manifests[0].Verification)
}

func TestScanLoadsSidecars(t *testing.T) {
	root := t.TempDir()
	dir := makeBundle(t, root, "Scout.3ox")
	write(t, filepath.Join(dir, "limits.json"), `{"max_memory_mb": 2048, "max_cpu_percent": 75.5}`)
	write(t, filepath.Join(dir, "routes.json"), `{
		"capabilities": ["scan", "report"],
		"endpoints": [{"path": "/scan", "method": "POST", "description": "run a scan",
			"parameters": [{"name": "target", "param_type": "string", "required": true, "description": "host"}]}],
		"message_types": ["scan.result"]
	}`)
	write(t, filepath.Join(dir, "tools.yml"), "name: scout\nrole: \"Recon\"\n  tier: Premium\nicon: 🛰\ndescription: finds things: fast\n")
	write(t, filepath.Join(dir, "checksums.json"), `{"run.rb": "abc"}`)

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 1)

	m := manifests[0]
	assert.Equal(t, uint64(2048), m.Limits.MaxMemoryMB)
	assert.Equal(t, 75.5, m.Limits.MaxCPUPercent)
	assert.Equal(t, uint64(1024), m.Limits.MaxDiskMB, "absent limit keeps default")
	assert.Equal(t, []string{"scan", "report"}, m.Capabilities)
	require.Len(t, m.Routes.Endpoints, 1)
	assert.Equal(t, "string", m.Routes.Endpoints[0].Parameters[0].ParamType)
	assert.Equal(t, []string{"scan.result"}, m.Routes.MessageTypes)
	assert.Equal(t, "Recon", m.Role)
	assert.Equal(t, "Premium", m.Tier)
	assert.Equal(t, "🛰", m.Icon)
	assert.Equal(t, "finds things: fast", m.Description)
	assert.Equal(t, map[string]string{"run.rb": "abc"}, m.Files.Checksums)
}

func TestScanMalformedSidecarsKeepDefaults(t *testing.T) {
	root := t.TempDir()
	dir := makeBundle(t, root, "Broken.3ox")
	write(t, filepath.Join(dir, "limits.json"), `{"max_memory_mb": 2048,`)
	write(t, filepath.Join(dir, "routes.json"), `not json`)
	write(t, filepath.Join(dir, "checksums.json"), `[1,2,3]`)
	makeBundle(t, root, "Healthy.3ox")

	manifests, err := newTestScanner().Scan(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, manifests, 2)

	m := manifests[0]
	assert.Equal(t, "broken", m.ID)
	assert.Equal(t, domain.DefaultLimits(), m.Limits)
	assert.Empty(t, m.Capabilities)
	assert.Nil(t, m.Files.Checksums)
	assert.Equal(t, domain.DefaultRole, m.Role)
	assert.Equal(t, domain.VerificationValid, m.Verification)
	assert.Equal(t, "healthy", manifests[1].ID)
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	makeBundle(t, root, "Scout.3ox")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestScanner().Scan(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScanBundle(t *testing.T) {
	root := t.TempDir()
	dir := makeBundle(t, root, "Solo.3ox")

	m, err := newTestScanner().ScanBundle(dir)
	require.NoError(t, err)
	assert.Equal(t, "solo", m.ID)

	_, err = newTestScanner().ScanBundle(filepath.Join(root, ".3ox"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestExtractField(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
		want    string
		ok      bool
	}{
		{"plain", "role: Scout", "role", "Scout", true},
		{"quoted", `role: "Scout"`, "role", "Scout", true},
		{"indented", "   role:   Scout  ", "role", "Scout", true},
		{"first wins", "role: A\nrole: B", "role", "A", true},
		{"value keeps later colons", "description: a: b", "description", "a: b", true},
		{"empty value", "role:", "role", "", true},
		{"prefix of other key", "roles: many", "role", "", false},
		{"space before colon", "role : x", "role", "", false},
		{"absent", "tier: gold", "role", "", false},
		{"crlf", "role: Scout\r\n", "role", "Scout", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractField(tt.content, tt.field)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
