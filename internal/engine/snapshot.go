package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Run directory layout under <projectCwd>/.takt/runs/<run-id>/:
//
//	reports/                    current report files (phase 2 output)
//	logs/                       per-run log files
//	logs/reports-history/       archived prior report versions
//	context/previous_responses/ movement output snapshots
const (
	runsDirName        = ".takt/runs"
	reportsDirName     = "reports"
	logsDirName        = "logs"
	reportHistoryName  = "reports-history"
	prevResponsesName  = "context/previous_responses"
	timestampLayoutUTC = "20060102T150405Z"
)

// runDirs resolves and creates the per-run directory tree.
type runDirs struct {
	Root     string
	Reports  string
	Logs     string
	History  string
	Previous string
}

func newRunDirs(projectCwd, runID string) (*runDirs, error) {
	root := filepath.Join(projectCwd, runsDirName, runID)
	d := &runDirs{
		Root:     root,
		Reports:  filepath.Join(root, reportsDirName),
		Logs:     filepath.Join(root, logsDirName),
		History:  filepath.Join(root, logsDirName, reportHistoryName),
		Previous: filepath.Join(root, prevResponsesName),
	}
	for _, dir := range []string{d.Reports, d.History, d.Previous} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating run directory %s: %w", dir, err)
		}
	}
	return d, nil
}

func utcTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayoutUTC)
}

// sanitizeFileStem makes a movement name safe as a file stem. Namespaced
// judge movements contain a slash.
func sanitizeFileStem(name string) string {
	return strings.ReplaceAll(name, "/", "_")
}

// snapshotOutput persists a movement output under context/previous_responses
// as both a timestamped file and latest.md. Returns the timestamped path.
func (d *runDirs) snapshotOutput(movement string, iteration int, content string, now time.Time) (string, error) {
	stem := sanitizeFileStem(movement)
	name := fmt.Sprintf("%s.%d.%s.md", stem, iteration, utcTimestamp(now))
	path := filepath.Join(d.Previous, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing output snapshot: %w", err)
	}
	latest := filepath.Join(d.Previous, "latest.md")
	if err := os.WriteFile(latest, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing latest snapshot: %w", err)
	}
	return path, nil
}

// rotateReport moves an existing report file into the history directory with
// a timestamp suffix before the report phase overwrites it. Missing files are
// not an error. Collisions within the same second get a numeric suffix.
func (d *runDirs) rotateReport(name string, now time.Time) error {
	src := filepath.Join(d.Reports, name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checking report %s: %w", name, err)
	}

	ts := utcTimestamp(now)
	dst := filepath.Join(d.History, fmt.Sprintf("%s.%s.md", trimMarkdownExt(name), ts))
	for n := 1; ; n++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(d.History, fmt.Sprintf("%s.%s.%d.md", trimMarkdownExt(name), ts, n))
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archiving report %s: %w", name, err)
	}
	return nil
}

func trimMarkdownExt(name string) string {
	return strings.TrimSuffix(name, ".md")
}
