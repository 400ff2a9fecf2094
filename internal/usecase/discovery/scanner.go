// Package discovery turns a sets directory into agent manifests.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"oxsets/internal/domain"
)

// toolFields are the scalar keys lifted from tools.yml.
var toolFields = []string{"description", "role", "tier", "icon"}

// Scanner discovers agent bundles one level below a root directory.
type Scanner struct {
	suffix string
	logger *slog.Logger
}

// NewScanner creates a Scanner. An empty suffix selects domain.BundleSuffix.
func NewScanner(suffix string, logger *slog.Logger) *Scanner {
	if suffix == "" {
		suffix = domain.BundleSuffix
	}
	return &Scanner{suffix: suffix, logger: logger}
}

// Scan returns one manifest per bundle directory under root, in lexical
// directory order. A missing root yields no manifests and no error.
// Failures inside a bundle never abort the scan of its siblings.
func (s *Scanner) Scan(ctx context.Context, root string) ([]domain.AgentManifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("sets directory does not exist", "path", root)
			return []domain.AgentManifest{}, nil
		}
		return nil, domain.WrapOp("Scanner.Scan", fmt.Errorf("read sets dir %s: %w", root, err))
	}

	manifests := make([]domain.AgentManifest, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.HasSuffix(entry.Name(), s.suffix) {
			continue
		}
		bundlePath := filepath.Join(root, entry.Name())
		// Stat rather than entry.IsDir so symlinked bundles are followed.
		info, err := os.Stat(bundlePath)
		if err != nil || !info.IsDir() {
			continue
		}

		m, ok := s.scanBundle(bundlePath, entry.Name())
		if !ok {
			continue
		}
		manifests = append(manifests, m)
	}

	s.logger.Info("scanned agents", "count", len(manifests), "path", root)
	return manifests, nil
}

// ScanBundle builds the manifest for a single bundle directory.
func (s *Scanner) ScanBundle(bundlePath string) (domain.AgentManifest, error) {
	m, ok := s.scanBundle(bundlePath, filepath.Base(bundlePath))
	if !ok {
		return domain.AgentManifest{}, domain.NewSubSystemError("agent", "Scanner.ScanBundle", domain.ErrInvalidInput, bundlePath)
	}
	return m, nil
}

func (s *Scanner) scanBundle(bundlePath, dirName string) (domain.AgentManifest, bool) {
	name := strings.TrimSuffix(dirName, s.suffix)
	if name == "" || !utf8.ValidString(name) {
		s.logger.Warn("skipping bundle with unusable name", "path", bundlePath)
		return domain.AgentManifest{}, false
	}

	m := domain.NewAgentManifest(domain.AgentID(name), name, bundlePath)
	m.Files = s.resolveFiles(bundlePath)
	s.loadMetadata(&m)

	m.MissingFiles = m.Files.Missing()
	if len(m.MissingFiles) == 0 {
		m.Verification = domain.VerificationValid
		m.Status = domain.RunStateStopped
	} else {
		m.Verification = domain.VerificationInvalid
		m.Status = domain.RunStateUnknown
		s.logger.Debug("bundle incomplete", "agent_id", m.ID, "missing", m.MissingFiles)
	}
	return m, true
}

// resolveFiles walks the whole bundle subtree. The first occurrence of each
// canon name wins; later duplicates are ignored.
func (s *Scanner) resolveFiles(bundlePath string) domain.CanonFileset {
	var files domain.CanonFileset
	seenChecksums := false

	_ = filepath.WalkDir(bundlePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("walk error", "path", path, "error", err)
			if d != nil && d.IsDir() && path != bundlePath {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if name == domain.FileChecksums {
			if !seenChecksums {
				seenChecksums = true
				files.Checksums = s.loadChecksums(path)
			}
			return nil
		}
		if slot := files.Slot(name); slot != nil && *slot == "" {
			*slot = path
		}
		return nil
	})
	return files
}

func (s *Scanner) loadChecksums(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("checksums unreadable", "path", path, "error", err)
		return nil
	}
	var sums map[string]string
	if err := json.Unmarshal(data, &sums); err != nil {
		s.logger.Debug("checksums malformed", "path", path, "error", err)
		return nil
	}
	return sums
}

// loadMetadata fills limits, routes and descriptive fields from sidecars.
// A sidecar that is unreadable or malformed leaves the defaults untouched.
func (s *Scanner) loadMetadata(m *domain.AgentManifest) {
	if p := m.Files.Limits; p != "" {
		limits := domain.DefaultLimits()
		if err := readJSON(p, &limits); err != nil {
			s.logger.Debug("limits ignored", "agent_id", m.ID, "error", err)
		} else {
			m.Limits = limits
		}
	}

	if p := m.Files.Routes; p != "" {
		var routes domain.AgentRoutes
		if err := readJSON(p, &routes); err != nil {
			s.logger.Debug("routes ignored", "agent_id", m.ID, "error", err)
		} else {
			normalizeRoutes(&routes)
			m.Routes = routes
			m.Capabilities = append([]string{}, routes.Capabilities...)
		}
	}

	if p := m.Files.Tools; p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			s.logger.Debug("tools.yml unreadable", "agent_id", m.ID, "error", err)
			return
		}
		content := string(data)
		targets := map[string]*string{
			"description": &m.Description,
			"role":        &m.Role,
			"tier":        &m.Tier,
			"icon":        &m.Icon,
		}
		for _, field := range toolFields {
			if v, ok := ExtractField(content, field); ok {
				*targets[field] = v
			}
		}
	}
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func normalizeRoutes(r *domain.AgentRoutes) {
	if r.Capabilities == nil {
		r.Capabilities = []string{}
	}
	if r.Endpoints == nil {
		r.Endpoints = []domain.AgentEndpoint{}
	}
	if r.MessageTypes == nil {
		r.MessageTypes = []string{}
	}
}

// ExtractField returns the value of the first line whose trimmed text
// starts with "<field>:". The value is everything after the first colon,
// whitespace-trimmed, with enclosing double quotes removed. This is a
// line heuristic, not a YAML parser: nesting, comments and multi-line
// values are not understood.
func ExtractField(content, field string) (string, bool) {
	prefix := field + ":"
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		_, value, _ := strings.Cut(trimmed, ":")
		return strings.Trim(strings.TrimSpace(value), `"`), true
	}
	return "", false
}
