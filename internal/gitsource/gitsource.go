// Package gitsource keeps local clones of remote markdown repositories.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
)

// IsRemote reports whether source looks like a git URL rather than a local
// directory.
func IsRemote(source string) bool {
	if strings.HasPrefix(source, "git@") {
		return true
	}
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		return true
	}
	return false
}

// LocalPath maps a repository URL to a directory under baseDir, so that
// https://github.com/u/notes.git and git@github.com:u/notes.git both land in
// baseDir/github.com/u/notes.
func LocalPath(baseDir, repoURL string) (string, error) {
	var host, repoPath string

	parsedURL, err := url.Parse(repoURL)
	switch {
	case err == nil && parsedURL.Host != "" && parsedURL.Scheme != "":
		host, repoPath = parsedURL.Hostname(), parsedURL.Path
	case strings.Contains(repoURL, "@"):
		// scp-like syntax: user@host:path
		var ok bool
		host, repoPath, ok = strings.Cut(repoURL[strings.Index(repoURL, "@")+1:], ":")
		if !ok {
			return "", fmt.Errorf("could not parse git URL: %s", repoURL)
		}
	default:
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	repoPath = strings.TrimSuffix(strings.Trim(repoPath, "/"), ".git")
	if host == "" || repoPath == "" {
		return "", fmt.Errorf("git URL has no host or repository path: %s", repoURL)
	}
	for _, seg := range append([]string{host}, strings.Split(repoPath, "/")...) {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsRune(seg, '\\') {
			return "", fmt.Errorf("git URL path segment %q not allowed: %s", seg, repoURL)
		}
	}

	local := filepath.Join(baseDir, host, filepath.FromSlash(repoPath))
	rel, err := filepath.Rel(baseDir, local)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("git URL resolves outside %s: %s", baseDir, repoURL)
	}
	return local, nil
}

// Sync clones a git repository if it doesn't exist at the given path,
// or pulls the latest changes if it does.
func Sync(ctx context.Context, logger *slog.Logger, repoURL, localPath string) error {
	_, err := os.Stat(localPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("cloning repository", "url", repoURL, "path", localPath)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(localPath), err)
		}
		_, err := git.PlainCloneContext(ctx, localPath, false, &git.CloneOptions{
			URL:   repoURL,
			Depth: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to clone repo %s: %w", repoURL, err)
		}

	case err == nil:
		logger.Info("pulling repository", "path", localPath)
		repo, err := git.PlainOpen(localPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repo at %s: %w", localPath, err)
		}

		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree for repo at %s: %w", localPath, err)
		}

		err = worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return fmt.Errorf("failed to pull changes for repo at %s: %w", localPath, err)
		}

	default:
		return fmt.Errorf("error checking path %s: %w", localPath, err)
	}

	return nil
}
