// Optional semantic search through the external qmd indexer.
//
// DESIGN: qmd is strictly a collaborator - if the binary is not installed,
// every call degrades to the FTS layers with no error. Observations are
// exported as per-project markdown files, indexed with `qmd update` /
// `qmd embed`, and queried by parsing `/<id>-<slug>.md` path fragments from
// `qmd query` output. Every invocation passes arguments as separate argv
// entries, never one shell string.
package search

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cmem-sh/cmem/internal/store"
)

const (
	maxSlugLen = 60

	// exportRefreshInterval bounds how often one project is re-exported.
	exportRefreshInterval = time.Minute
)

// projectNameRe restricts project names used as directory components.
var projectNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// resultPathRe pulls observation ids out of qmd query output lines.
var resultPathRe = regexp.MustCompile(`/(\d+)-[a-z0-9-]*\.md`)

// QmdIndex manages the markdown export directory and qmd invocations.
type QmdIndex struct {
	store     *store.Store
	exportDir string

	once      sync.Once
	available bool

	mu         sync.Mutex
	lastExport map[string]time.Time
}

// NewQmdIndex creates the collaborator rooted under dataDir/qmd-export.
func NewQmdIndex(st *store.Store, dataDir string) *QmdIndex {
	return &QmdIndex{
		store:      st,
		exportDir:  filepath.Join(dataDir, "qmd-export"),
		lastExport: make(map[string]time.Time),
	}
}

// Available reports whether the qmd binary is on PATH. Probed once.
func (q *QmdIndex) Available() bool {
	q.once.Do(func() {
		_, err := exec.LookPath("qmd")
		q.available = err == nil
		if !q.available {
			log.Debug().Msg("qmd not installed, semantic search disabled")
		}
	})
	return q.available
}

// Export writes every observation of the project as a markdown file named
// <id>-<slug>.md, then refreshes the qmd index and embeddings.
func (q *QmdIndex) Export(project string) error {
	if !q.Available() {
		return nil
	}
	if !projectNameRe.MatchString(project) {
		return fmt.Errorf("invalid project name %q", project)
	}

	dir := filepath.Join(q.exportDir, project)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	obs, err := q.store.ObservationsByProject(project)
	if err != nil {
		return err
	}
	for _, o := range obs {
		name := fmt.Sprintf("%d-%s.md", o.ID, Slugify(o.Title))
		body := fmt.Sprintf("# %s\n\n%s\n\n%s\n", o.Title, o.Narrative, o.Compressed)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			return fmt.Errorf("failed to write export file: %w", err)
		}
	}

	if err := q.run("qmd", "update"); err != nil {
		return err
	}
	return q.run("qmd", "embed", "-c", "c-mem-"+project)
}

// RefreshExport re-exports the project when its last export is older than
// the refresh interval. Failures are logged, never fatal; queries fall back
// to FTS against the live index.
func (q *QmdIndex) RefreshExport(project string) {
	if !q.Available() || !projectNameRe.MatchString(project) {
		return
	}

	q.mu.Lock()
	if time.Since(q.lastExport[project]) < exportRefreshInterval {
		q.mu.Unlock()
		return
	}
	q.lastExport[project] = time.Now()
	q.mu.Unlock()

	if err := q.Export(project); err != nil {
		log.Warn().Err(err).Str("project", project).Msg("qmd export failed")
	}
}

// Query asks qmd for a ranked id list. The second return is false whenever
// qmd is unavailable or the invocation fails, signalling FTS fallback.
func (q *QmdIndex) Query(query, project string, limit int) ([]int64, bool) {
	if !q.Available() || !projectNameRe.MatchString(project) {
		return nil, false
	}

	args := []string{"query", "-c", "c-mem-" + project, "-n", strconv.Itoa(limit), query}
	out, err := exec.Command("qmd", args...).Output()
	if err != nil {
		log.Debug().Err(err).Msg("qmd query failed, falling back to FTS")
		return nil, false
	}

	var ids []int64
	seen := make(map[int64]bool)
	for _, m := range resultPathRe.FindAllStringSubmatch(string(out), -1) {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if len(ids) >= limit {
			break
		}
	}
	return ids, true
}

func (q *QmdIndex) run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = q.exportDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Slugify lowercases a title into an alphanumeric/hyphen slug of at most 60
// characters.
func Slugify(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
