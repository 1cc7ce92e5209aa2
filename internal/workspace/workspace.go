// Package workspace prepares the directory a run clones into and the files
// written next to the clones.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cam3ron2/classroom-snapshot/internal/deadline"
)

// maxUniqueAttempts bounds the _N suffix search.
const maxUniqueAttempts = 10000

// Plan is the output directory chosen for a run.
type Plan struct {
	Dir string
	// Existing is set when Dir was already present and is being reused.
	Existing bool
	// Cleared counts entries removed from a reused Dir, or that would be
	// removed on a dry run.
	Cleared int
}

// TimestampSuffix returns _MM_DD_HH_MM for a due date and time.
func TimestampSuffix(dueDate, dueTime string) (string, error) {
	date, err := deadline.ParseDate(dueDate)
	if err != nil {
		return "", err
	}
	clock, err := deadline.ParseTime(dueTime)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("_%02d_%02d_%02d_%02d", int(date.Month()), date.Day(), clock.Hour(), clock.Minute()), nil
}

// Choose picks <base>/<prefix><suffix> without touching the filesystem. An
// existing directory is either replaced by a fresh _N sibling or, with
// replace set, reused.
func Choose(base, prefix, suffix string, replace bool) (Plan, error) {
	if strings.TrimSpace(prefix) == "" {
		return Plan{}, fmt.Errorf("repo prefix is required")
	}
	dir := filepath.Join(base, prefix+suffix)

	exists, err := dirExists(dir)
	if err != nil {
		return Plan{}, err
	}
	switch {
	case !exists:
	case replace:
		return Plan{Dir: dir, Existing: true}, nil
	default:
		dir, err = uniquePath(dir)
		if err != nil {
			return Plan{}, err
		}
	}
	return Plan{Dir: dir}, nil
}

// Apply empties a reused directory or creates a new one. A dry run creates
// and deletes nothing but still counts what would be cleared.
func (p *Plan) Apply(dryRun bool) error {
	if p.Existing {
		cleared, err := clearDir(p.Dir, dryRun)
		if err != nil {
			return err
		}
		p.Cleared = cleared
		return nil
	}
	if dryRun {
		return nil
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s exists and is not a directory", path)
	}
	return true, nil
}

func uniquePath(path string) (string, error) {
	for i := 1; i <= maxUniqueAttempts; i++ {
		candidate := fmt.Sprintf("%s_%d", path, i)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free directory name next to %s", path)
}

func clearDir(dir string, dryRun bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read output directory: %w", err)
	}
	if dryRun {
		return len(entries), nil
	}
	for _, entry := range entries {
		target := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			// Read-only git objects need write permission before removal.
			_ = makeWritable(target)
			if err := os.RemoveAll(target); err != nil {
				return 0, fmt.Errorf("remove %s: %w", target, err)
			}
		}
	}
	return len(entries), nil
}

func makeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		return os.Chmod(path, info.Mode().Perm()|0o200)
	})
}

type codeWorkspace struct {
	Folders  []workspaceFolder `json:"folders"`
	Settings map[string]any    `json:"settings"`
}

type workspaceFolder struct {
	Path string `json:"path"`
}

// WriteVSCodeWorkspace writes <prefix>.code-workspace in dir listing the
// given folders, sorted, relative to dir.
func WriteVSCodeWorkspace(dir, prefix string, folders []string) (string, error) {
	sorted := slices.Clone(folders)
	slices.Sort(sorted)

	doc := codeWorkspace{Folders: make([]workspaceFolder, 0, len(sorted)), Settings: map[string]any{}}
	for _, folder := range sorted {
		doc.Folders = append(doc.Folders, workspaceFolder{Path: folder})
	}
	raw, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode workspace: %w", err)
	}

	path := filepath.Join(dir, prefix+".code-workspace")
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write workspace: %w", err)
	}
	return path, nil
}

// ExtractDataFolder copies the folder named name out of the first clone
// that has one into dir. It reports whether a folder was copied.
func ExtractDataFolder(dir string, clones []string, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	target := filepath.Join(dir, name)
	if exists, err := dirExists(target); err != nil || exists {
		return false, err
	}

	sorted := slices.Clone(clones)
	slices.Sort(sorted)
	for _, clone := range sorted {
		candidate := filepath.Join(clone, name)
		exists, err := dirExists(candidate)
		if err != nil || !exists {
			continue
		}
		if err := os.CopyFS(target, os.DirFS(candidate)); err != nil {
			return false, fmt.Errorf("copy data folder from %s: %w", clone, err)
		}
		return true, nil
	}
	return false, nil
}
