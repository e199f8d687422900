// Package revisions keeps the text history of every article in a git
// repository of its own, so annotations can be traced back to the exact
// text they were made against.
package revisions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	metaFile = "article.json"
	textFile = "text.txt"
	branch   = "main"
)

var ErrNoHistory = errors.New("article has no recorded revisions")

// Content is what gets versioned for an article.
type Content struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	Link   string `json:"link"`
	Author string `json:"author"`
	Text   string `json:"-"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Record commits content for articleID when it differs from the current
// head. The repository is created on first use. changed is false when the
// head already holds identical content; the head revision is returned then.
func (s *Service) Record(articleID int64, content Content, author, message string) (rev Revision, changed bool, err error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(articleID)
	if err != nil {
		return Revision{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		current, err := readContent(head)
		if err != nil {
			return Revision{}, false, err
		}
		if !HasChanges(current, content) {
			return toRevision(head), false, nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return Revision{}, false, err
	}

	hash, err := commit(repo, content, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// Head returns the latest content and revision of an article.
func (s *Service) Head(articleID int64) (Content, Revision, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(articleID)
	if err != nil {
		return Content{}, Revision{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, Revision{}, err
	}
	content, err := readContent(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

// Get returns the content recorded at hash, which may be abbreviated.
func (s *Service) Get(articleID int64, hash string) (Content, Revision, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(articleID)
	if err != nil {
		return Content{}, Revision{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, Revision{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, Revision{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	content, err := readContent(commitObj)
	if err != nil {
		return Content{}, Revision{}, err
	}
	return content, toRevision(commitObj), nil
}

// History lists revisions newest first. limit <= 0 means all.
func (s *Service) History(articleID int64, limit int) ([]Revision, error) {
	lock := s.articleLock(articleID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(articleID)
	if errors.Is(err, ErrNoHistory) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if errors.Is(err, ErrNoHistory) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(articleID int64) string {
	return filepath.Join(s.baseDir, "article-"+strconv.FormatInt(articleID, 10))
}

func (s *Service) articleLock(articleID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[articleID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[articleID] = lock
	return lock
}

func (s *Service) open(articleID int64) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(articleID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(articleID int64) (*git.Repository, error) {
	repo, err := s.open(articleID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoHistory) {
		return nil, err
	}

	path := s.repoPath(articleID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}
	return repo, nil
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	meta, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, metaFile), append(meta, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, textFile), []byte(content.Text), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", textFile, err)
	}
	for _, name := range []string{metaFile, textFile} {
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	if author == "" {
		author = "mediawatch"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@mediawatch.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContent(commitObj *object.Commit) (Content, error) {
	var content Content
	meta, err := readFile(commitObj, metaFile)
	if err != nil {
		return Content{}, err
	}
	if err := json.Unmarshal([]byte(meta), &content); err != nil {
		return Content{}, fmt.Errorf("decode %s: %w", metaFile, err)
	}
	content.Text, err = readFile(commitObj, textFile)
	if err != nil {
		return Content{}, err
	}
	return content, nil
}

func readFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	s, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return s, nil
}

// FieldChange describes one differing field between two revisions.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Diff lists the fields that differ between from and to, sorted by name.
// Text is reported by size only.
func Diff(from, to Content) []FieldChange {
	pairs := []FieldChange{
		{Field: "title", Before: from.Title, After: to.Title},
		{Field: "source", Before: from.Source, After: to.Source},
		{Field: "link", Before: from.Link, After: to.Link},
		{Field: "author", Before: from.Author, After: to.Author},
	}
	result := make([]FieldChange, 0)
	for _, item := range pairs {
		if item.Before != item.After {
			result = append(result, item)
		}
	}
	if from.Text != to.Text {
		result = append(result, FieldChange{
			Field:  "text",
			Before: fmt.Sprintf("[%d characters]", len([]rune(from.Text))),
			After:  fmt.Sprintf("[%d characters]", len([]rune(to.Text))),
		})
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Field < result[j].Field })
	return result
}

func HasChanges(from, to Content) bool {
	return from != to
}

func toRevision(commitObj *object.Commit) Revision {
	rev := Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	if stats, err := commitObj.Stats(); err == nil {
		for _, st := range stats {
			if st.Name == textFile {
				rev.Added, rev.Removed = st.Addition, st.Deletion
			}
		}
	}
	return rev
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
