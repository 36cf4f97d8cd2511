// Package gittest provides an in-memory git.Client and git.BaseResolver
// that simulate a submodule, its parent repository and its remotes
// without touching the filesystem.
package gittest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
	"github.com/schaermu/nq/internal/patchset"
)

type object struct {
	parent  string
	subject string
	diff    string
}

// Remote is a simulated remote repository.
type Remote struct {
	Branch string
	Tip    string
}

// ParentCommit records a commit made in the parent repository.
type ParentCommit struct {
	Message string
	Paths   []string
}

// Fake implements git.Client and git.BaseResolver for one submodule.
// History is linear; every object lives in a single shared store.
type Fake struct {
	mu sync.Mutex

	SubmodulePath string
	ParentPath    string
	// GitlinkPath is the submodule path relative to ParentPath.
	GitlinkPath string

	objects map[string]object
	head    string
	seq     int

	tree git.TreeStatus
	// Base is the gitlink recorded in the parent's HEAD.
	Base string

	remotes  map[string]*Remote
	tracking map[string]string

	// ParentChanges is what ChangedFiles reports for the parent.
	ParentChanges []string
	Staged        []string
	ParentCommits []ParentCommit

	// Conflicts names patch subjects that fail to apply.
	Conflicts map[string]bool
	// Fail forces a method to return an error.
	Fail map[string]error
	// After runs after a mutating method succeeded, to simulate outside interference.
	After func(method string)

	calls []string
}

// New returns a fake whose submodule sits at base with no local commits.
func New(submodule, parent, gitlinkPath string) *Fake {
	f := &Fake{
		SubmodulePath: submodule,
		ParentPath:    parent,
		GitlinkPath:   gitlinkPath,
		objects:       make(map[string]object),
		remotes:       make(map[string]*Remote),
		tracking:      make(map[string]string),
		Conflicts:     make(map[string]bool),
		Fail:          make(map[string]error),
	}
	root := f.store("", "Initial commit", "init")
	f.head = root
	f.Base = root
	return f
}

func (f *Fake) store(parent, subject, diff string) string {
	f.seq++
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d", parent, subject, diff, f.seq)))
	hash := hex.EncodeToString(sum[:])
	f.objects[hash] = object{parent: parent, subject: subject, diff: diff}
	return hash
}

// AddCommit adds a commit on top of the submodule's HEAD.
func (f *Fake) AddCommit(subject, diff string) git.Commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = f.store(f.head, subject, diff)
	return git.Commit{Hash: f.head, Subject: subject}
}

// Orphan adds a commit unrelated to the current history and checks it out.
func (f *Fake) Orphan(subject, diff string) git.Commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = f.store("", subject, diff)
	return git.Commit{Hash: f.head, Subject: subject}
}

// AddRemote registers a remote whose default branch starts at the base.
func (f *Fake) AddRemote(name, branch string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remotes[name] = &Remote{Branch: branch, Tip: f.Base}
}

// PushRemote adds a commit to the remote's default branch.
func (f *Fake) PushRemote(name, subject, diff string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.remotes[name]
	r.Tip = f.store(r.Tip, subject, diff)
	return r.Tip
}

// ForceRemote points the remote's default branch at a fresh unrelated history.
func (f *Fake) ForceRemote(name, subject, diff string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.remotes[name]
	r.Tip = f.store("", subject, diff)
	return r.Tip
}

// HeadCommit returns the submodule's HEAD hash.
func (f *Fake) HeadCommit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

// SetHead moves HEAD without touching anything else.
func (f *Fake) SetHead(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = hash
}

// SetStatus sets the submodule working tree status.
func (f *Fake) SetStatus(s git.TreeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tree = s
}

// History returns the commits from base to HEAD, oldest first.
func (f *Fake) History() []git.Commit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.log(f.Base, f.head)
}

// Calls returns the names of the methods invoked so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Called reports whether method was invoked.
func (f *Fake) Called(method string) bool {
	for _, c := range f.Calls() {
		if c == method {
			return true
		}
	}
	return false
}

func (f *Fake) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)
	return f.Fail[method]
}

func (f *Fake) after(method string) {
	if f.After != nil {
		f.After(method)
	}
}

func (f *Fake) ancestors(hash string) map[string]bool {
	seen := make(map[string]bool)
	for h := hash; h != ""; h = f.objects[h].parent {
		seen[h] = true
	}
	return seen
}

func (f *Fake) log(from, to string) []git.Commit {
	exclude := f.ancestors(from)
	var out []git.Commit
	for h := to; h != "" && !exclude[h]; h = f.objects[h].parent {
		out = append([]git.Commit{{Hash: h, Subject: f.objects[h].subject}}, out...)
	}
	return out
}

func (f *Fake) checkPath(path string) error {
	if path != f.SubmodulePath && path != f.ParentPath {
		return fmt.Errorf("%w: %s", nqerrors.ErrNotARepository, path)
	}
	return nil
}

func (f *Fake) Toplevel(_ context.Context, path string) (string, error) {
	if err := f.enter("Toplevel"); err != nil {
		return "", err
	}
	return path, f.checkPath(path)
}

func (f *Fake) Status(_ context.Context, path string) (git.TreeStatus, error) {
	if err := f.enter("Status"); err != nil {
		return git.TreeStatus{}, err
	}
	if err := f.checkPath(path); err != nil {
		return git.TreeStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree, nil
}

func (f *Fake) Head(_ context.Context, _ string) (string, error) {
	if err := f.enter("Head"); err != nil {
		return "", err
	}
	return f.HeadCommit(), nil
}

func (f *Fake) ResolveRef(_ context.Context, _, ref string) (string, error) {
	if err := f.enter("ResolveRef"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if hash, ok := f.tracking[ref]; ok {
		return hash, nil
	}
	if _, ok := f.objects[ref]; ok {
		return ref, nil
	}
	return "", fmt.Errorf("unknown revision %s", ref)
}

func (f *Fake) Log(_ context.Context, _, from, to string) ([]git.Commit, error) {
	if err := f.enter("Log"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[from]; from != "" && !ok {
		return nil, fmt.Errorf("%w: %s", nqerrors.ErrUnknownBase, from)
	}
	return f.log(from, to), nil
}

func (f *Fake) IsAncestor(_ context.Context, _, ancestor, descendant string) (bool, error) {
	if err := f.enter("IsAncestor"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[ancestor]; !ok {
		return false, fmt.Errorf("%w: %s is not a known commit", nqerrors.ErrUnknownBase, ancestor)
	}
	return f.ancestors(descendant)[ancestor], nil
}

func (f *Fake) GeneratePatch(_ context.Context, _, commit string) ([]byte, error) {
	if err := f.enter("GeneratePatch"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[commit]
	if !ok {
		return nil, fmt.Errorf("unknown commit %s", commit)
	}
	return []byte(Mbox(commit, obj.subject, obj.diff)), nil
}

// Mbox renders a patch the way the fake generates it.
func Mbox(hash, subject, diff string) string {
	return fmt.Sprintf("From %s Mon Sep 17 00:00:00 2001\nFrom: Test <test@test.com>\nSubject: [PATCH] %s\n\n---\n%s\n", hash, subject, diff)
}

var subjectLine = regexp.MustCompile(`(?m)^Subject: \[PATCH\] (.*)$`)

func parseMbox(patch []byte) (subject, diff string) {
	s := string(patch)
	if m := subjectLine.FindStringSubmatch(s); m != nil {
		subject = m[1]
	}
	if _, body, ok := strings.Cut(s, "\n\n---\n"); ok {
		diff = strings.TrimSuffix(body, "\n")
	}
	return subject, diff
}

func (f *Fake) PatchID(_ context.Context, _ string, patch []byte) (string, error) {
	if err := f.enter("PatchID"); err != nil {
		return "", err
	}
	_, diff := parseMbox(patch)
	sum := sha1.Sum([]byte(diff))
	return hex.EncodeToString(sum[:]), nil
}

func (f *Fake) ApplyPatch(_ context.Context, _ string, patch []byte) error {
	if err := f.enter("ApplyPatch"); err != nil {
		return err
	}
	subject, diff := parseMbox(patch)

	f.mu.Lock()
	if f.Conflicts[subject] {
		f.tree.Operation = "am"
		f.mu.Unlock()
		return &git.ApplyReport{Output: fmt.Sprintf("Applying: %s\nerror: patch failed: %s", subject, diff)}
	}
	// git am records the subject without bracketed tags or Re: prefixes.
	f.head = f.store(f.head, patchset.CanonicalSubject(subject), diff)
	f.mu.Unlock()

	f.after("ApplyPatch")
	return nil
}

func (f *Fake) ResetHard(_ context.Context, _, commit string) error {
	if err := f.enter("ResetHard"); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.objects[commit]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("unknown commit %s", commit)
	}
	f.head = commit
	f.tree.Modified = nil
	f.mu.Unlock()

	f.after("ResetHard")
	return nil
}

func (f *Fake) Fetch(_ context.Context, _, remote string) error {
	if err := f.enter("Fetch"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.remotes[remote]
	if !ok {
		return fmt.Errorf("%w: %s", nqerrors.ErrNoRemote, remote)
	}
	f.tracking[remote+"/"+r.Branch] = r.Tip
	return nil
}

func (f *Fake) DefaultBranch(_ context.Context, _, remote string) (string, error) {
	if err := f.enter("DefaultBranch"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.remotes[remote]
	if !ok {
		return "", fmt.Errorf("%w: %s", nqerrors.ErrNoRemote, remote)
	}
	return r.Branch, nil
}

// ChangedFiles reports ParentChanges for the parent, plus the gitlink
// when the submodule's HEAD differs from the recorded base.
func (f *Fake) ChangedFiles(_ context.Context, path string) ([]string, error) {
	if err := f.enter("ChangedFiles"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if path != f.ParentPath {
		return nil, nil
	}
	changed := append([]string(nil), f.ParentChanges...)
	if f.head != f.Base {
		changed = append(changed, f.GitlinkPath)
	}
	return changed, nil
}

func (f *Fake) Stage(_ context.Context, _ string, paths ...string) error {
	if err := f.enter("Stage"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Staged = append(f.Staged, paths...)
	f.mu.Unlock()

	f.after("Stage")
	return nil
}

// Commit records a parent commit. Committing the gitlink path moves the
// base to the submodule's HEAD.
func (f *Fake) Commit(_ context.Context, _, message string, paths ...string) error {
	if err := f.enter("Commit"); err != nil {
		return err
	}
	f.mu.Lock()
	f.ParentCommits = append(f.ParentCommits, ParentCommit{Message: message, Paths: paths})
	for _, p := range paths {
		if p == f.GitlinkPath {
			f.Base = f.head
		}
	}
	f.mu.Unlock()

	f.after("Commit")
	return nil
}

// BasePointer implements git.BaseResolver.
func (f *Fake) BasePointer(_ context.Context, submodulePath string) (git.Gitlink, error) {
	if err := f.enter("BasePointer"); err != nil {
		return git.Gitlink{}, err
	}
	if submodulePath != f.SubmodulePath {
		return git.Gitlink{}, fmt.Errorf("%w: %s", nqerrors.ErrNotARepository, submodulePath)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return git.Gitlink{ParentRoot: f.ParentPath, Path: f.GitlinkPath, Hash: f.Base}, nil
}

var (
	_ git.Client       = (*Fake)(nil)
	_ git.BaseResolver = (*Fake)(nil)
)
