// Package vcs commits the files of a completed task with the git CLI.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/msageha/fedy/internal/model"
)

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, err := git(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// ChangedFiles returns the paths under paths that have uncommitted changes,
// relative to dir. Untracked files are included.
func ChangedFiles(ctx context.Context, dir string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	args := append([]string{"status", "--porcelain", "-z", "--untracked-files=all", "--"}, paths...)
	out, err := git(ctx, dir, args...)
	if err != nil {
		return nil, err
	}

	var files []string
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		entry := fields[i]
		if len(entry) < 4 {
			continue
		}
		// "XY path"; renames and copies are followed by the original path.
		xy := entry[:2]
		files = append(files, entry[3:])
		if strings.ContainsAny(xy, "RC") {
			i++
		}
	}
	return files, nil
}

// CommitChange stages and commits the files of a completed task together
// with the given record files. Relative paths are taken relative to dir. It
// reports false when there was nothing to commit.
func CommitChange(ctx context.Context, dir string, summary model.ChangeSummary, recordPaths []string) (bool, error) {
	top, err := git(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return false, err
	}
	top = strings.TrimSpace(top)
	base, err := resolve(dir)
	if err != nil {
		return false, err
	}

	var paths []string
	for _, p := range append(append([]string{}, summary.Files...), recordPaths...) {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		} else if r, err := resolve(p); err == nil {
			p = r
		}
		rel, err := relativeTo(top, p)
		if err != nil {
			return false, err
		}
		paths = append(paths, rel)
	}

	changed, err := ChangedFiles(ctx, top, paths)
	if err != nil {
		return false, err
	}
	if len(changed) == 0 {
		return false, nil
	}

	if _, err := git(ctx, top, append([]string{"add", "-A", "--"}, changed...)...); err != nil {
		return false, err
	}

	title := summary.Title
	if title == "" {
		title = fmt.Sprintf("Task #%d", summary.TaskID)
	}
	args := []string{"commit", "--quiet", "-m", title, "-m", fmt.Sprintf("Task #%d", summary.TaskID), "--"}
	if _, err := git(ctx, top, append(args, changed...)...); err != nil {
		return false, err
	}
	return true, nil
}

// resolve returns the absolute, symlink-free form of p. A missing final
// element is allowed.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// relativeTo expresses the absolute path p relative to top, refusing paths
// outside it.
func relativeTo(top, p string) (string, error) {
	rel, err := filepath.Rel(top, p)
	if err != nil {
		return "", fmt.Errorf("path %s outside repository %s: %w", p, top, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s outside repository %s", p, top)
	}
	return rel, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.String(), nil
}
