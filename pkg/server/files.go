package server

import (
	stdliberrors "errors"
	"fmt"
	iofs "io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	git "github.com/go-git/go-git/v5"
)

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.readLimiter) {
		return
	}
	root := strings.TrimSpace(s.projectRoot)
	if root == "" {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("project root not configured"))
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("prefix"))
	limit := parseIntDefault(r.URL.Query().Get("limit"), 200)
	if limit > 200 {
		limit = 200
	}

	files, err := listProjectFiles(root, prefix, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, map[string]any{"files": files})
}

func listProjectFiles(root, query string, limit int) ([]string, error) {
	skipDirs := map[string]struct{}{
		".git":         {},
		".deckhand":    {},
		".idea":        {},
		".vscode":      {},
		"node_modules": {},
		"vendor":       {},
		"dist":         {},
		"build":        {},
	}

	lowerQuery := strings.ToLower(query)
	files := make([]string, 0, limit)
	stopWalk := stdliberrors.New("stop walk")
	err := filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if lowerQuery != "" && !strings.Contains(strings.ToLower(rel), lowerQuery) {
			return nil
		}
		files = append(files, rel)
		if len(files) >= limit {
			return stopWalk
		}
		return nil
	})
	if err != nil && !stdliberrors.Is(err, stopWalk) {
		return nil, err
	}
	return files, nil
}

type gitFileStatus struct {
	Path     string `json:"path"`
	Staging  string `json:"staging"`
	Worktree string `json:"worktree"`
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.readLimiter) {
		return
	}
	dir := strings.TrimSpace(r.URL.Query().Get("dir"))
	if dir == "" {
		dir = s.projectRoot
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		if stdliberrors.Is(err, git.ErrRepositoryNotExists) {
			respondError(w, http.StatusNotFound, fmt.Errorf("not a git repository: %s", dir))
			return
		}
		respondError(w, http.StatusInternalServerError, fmt.Errorf("open repo: %w", err))
		return
	}

	branch := ""
	if head, err := repo.Head(); err == nil {
		branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("get worktree: %w", err))
		return
	}
	status, err := wt.Status()
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("get status: %w", err))
		return
	}

	changes := make([]gitFileStatus, 0, len(status))
	for file, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		changes = append(changes, gitFileStatus{
			Path:     file,
			Staging:  string(st.Staging),
			Worktree: string(st.Worktree),
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	respondJSON(w, map[string]any{
		"branch":  branch,
		"clean":   len(changes) == 0,
		"changes": changes,
	})
}
