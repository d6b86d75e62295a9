// Package evidence persists per-row artifacts (screenshots, page HTML,
// outcome snapshots) so a reviewer can audit every decision.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/sells-group/webcheck/internal/model"
)

// Sink stores evidence artifacts and returns a reference to them.
type Sink interface {
	Collect(ctx context.Context, p model.EvidencePayload) (string, error)
}

// ManifestEntry describes one stored artifact.
type ManifestEntry struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	SHA256      string `json:"sha256"`
}

// Manifest is written next to the artifacts of every row.
type Manifest struct {
	RunID       string          `json:"run_id"`
	RowIndex    int             `json:"row_index"`
	RowID       string          `json:"row_id"`
	CollectedAt time.Time       `json:"collected_at"`
	Artifacts   []ManifestEntry `json:"artifacts"`
}

// FSSink writes artifacts to <root>/<run>/row-<index>/ on an afero
// filesystem.
type FSSink struct {
	fs      afero.Fs
	root    string
	nowFunc func() time.Time
}

// NewFSSink creates a sink rooted at root on fs.
func NewFSSink(fs afero.Fs, root string) *FSSink {
	return &FSSink{fs: fs, root: root, nowFunc: time.Now}
}

// NewOSSink creates a sink on the real filesystem.
func NewOSSink(root string) *FSSink {
	return NewFSSink(afero.NewOsFs(), root)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeName.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "artifact"
	}
	return s
}

// Dir returns the directory holding a row's evidence.
func (s *FSSink) Dir(runID string, rowIndex int) string {
	return path.Join(s.root, safeName(runID), fmt.Sprintf("row-%d", rowIndex))
}

// Collect writes every artifact and a manifest.json, and returns the row's
// evidence directory.
func (s *FSSink) Collect(ctx context.Context, p model.EvidencePayload) (string, error) {
	dir := s.Dir(p.RunID, p.RowIndex)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "evidence: create %s", dir)
	}

	m := Manifest{RunID: p.RunID, RowIndex: p.RowIndex, RowID: p.RowID, CollectedAt: s.nowFunc().UTC()}
	used := make(map[string]int)
	for _, a := range p.Artifacts {
		if err := ctx.Err(); err != nil {
			return "", eris.Wrap(err, "evidence: collect")
		}
		name := safeName(a.Name)
		if n := used[name]; n > 0 {
			ext := path.Ext(name)
			name = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
		}
		used[safeName(a.Name)]++

		if err := afero.WriteFile(s.fs, path.Join(dir, name), a.Data, 0o644); err != nil {
			return "", eris.Wrapf(err, "evidence: write %s", name)
		}
		sum := sha256.Sum256(a.Data)
		m.Artifacts = append(m.Artifacts, ManifestEntry{
			Name:        name,
			ContentType: a.ContentType,
			Size:        len(a.Data),
			SHA256:      hex.EncodeToString(sum[:]),
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "evidence: marshal manifest")
	}
	if err := afero.WriteFile(s.fs, path.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return "", eris.Wrap(err, "evidence: write manifest")
	}
	return dir, nil
}

// ReadManifest loads the manifest stored under dir.
func (s *FSSink) ReadManifest(dir string) (*Manifest, error) {
	data, err := afero.ReadFile(s.fs, path.Join(dir, "manifest.json"))
	if err != nil {
		return nil, eris.Wrap(err, "evidence: read manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "evidence: unmarshal manifest")
	}
	return &m, nil
}

// Artifacts builds the standard artifact set for a row: screenshot, page
// HTML, and a JSON snapshot of the decisions made so far.
func Artifacts(page *model.Page, decisions []model.FieldDecision) []model.Artifact {
	var out []model.Artifact
	if page != nil {
		if len(page.Screenshot) > 0 {
			out = append(out, model.Artifact{Name: "screenshot.png", ContentType: "image/png", Data: page.Screenshot})
		}
		if page.HTML != "" {
			out = append(out, model.Artifact{Name: "page.html", ContentType: "text/html", Data: []byte(page.HTML)})
		}
	}
	if len(decisions) > 0 {
		if data, err := json.MarshalIndent(decisions, "", "  "); err == nil {
			out = append(out, model.Artifact{Name: "decisions.json", ContentType: "application/json", Data: data})
		}
	}
	return out
}

// Discard drops evidence. It backs the evidence role when collection is
// disabled.
type Discard struct{}

// Collect returns an empty reference.
func (Discard) Collect(context.Context, model.EvidencePayload) (string, error) { return "", nil }
