// Package patchset manages the ordered directory of patch files exported for
// one package. Files are named NNNN-<subject>.patch; the ordinal fixes the
// apply order and must run contiguously from 1.
package patchset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"

	nqerrors "github.com/schaermu/nq/internal/errors"
	"github.com/schaermu/nq/internal/git"
)

// Extension is the file extension of patch files.
const Extension = ".patch"

var namePattern = regexp.MustCompile(`^(\d+)-.*\.patch$`)

// Patch is one exported patch file.
type Patch struct {
	Ordinal int
	Subject string
	// SourceCommit is the commit the patch was generated from, read from
	// the mbox From line. Empty when the file does not record one.
	SourceCommit string
	// PatchID is the stable patch-id of the file's diff, filled in by the
	// inspector only when the source commit alone does not identify it.
	PatchID string
	Name    string
	Path    string
}

// Content reads the patch file.
func (p Patch) Content() ([]byte, error) {
	return os.ReadFile(p.Path)
}

// Set is the ordered collection of patches of one package.
type Set struct {
	Dir     string
	Patches []Patch
}

// Len returns the number of patches.
func (s *Set) Len() int {
	return len(s.Patches)
}

// NextOrdinal returns max(ordinal)+1, or 1 for an empty set.
func (s *Set) NextOrdinal() int {
	next := 1
	for _, p := range s.Patches {
		if p.Ordinal >= next {
			next = p.Ordinal + 1
		}
	}
	return next
}

// BySource returns the patch generated from commit, if any.
func (s *Set) BySource(commit string) (Patch, bool) {
	for _, p := range s.Patches {
		if p.SourceCommit != "" && p.SourceCommit == commit {
			return p, true
		}
	}
	return Patch{}, false
}

// MalformedError lists every problem found while loading a patch set.
type MalformedError struct {
	Dir      string
	Problems []string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v in %s: %s", nqerrors.ErrMalformedPatchSet, e.Dir, strings.Join(e.Problems, "; "))
}

func (e *MalformedError) Unwrap() error {
	return nqerrors.ErrMalformedPatchSet
}

// Load reads every *.patch file in dir. A missing directory is an empty
// set. Ordinals must form the run 1..N without gaps or duplicates.
func Load(ctx context.Context, dir string) (*Set, error) {
	set := &Set{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("failed to read patch directory: %w", err)
	}

	var problems []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != Extension {
			continue
		}

		ordinal, ok := ParseOrdinal(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s has no ordinal prefix", name))
			continue
		}

		path := filepath.Join(dir, name)
		header, err := readHeader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read patch %s: %w", name, err)
		}

		subject := header.Subject
		if subject == "" {
			subject = subjectFromName(name)
		}
		set.Patches = append(set.Patches, Patch{
			Ordinal:      ordinal,
			Subject:      subject,
			SourceCommit: header.Commit,
			Name:         name,
			Path:         path,
		})
	}

	sort.SliceStable(set.Patches, func(i, j int) bool {
		if set.Patches[i].Ordinal != set.Patches[j].Ordinal {
			return set.Patches[i].Ordinal < set.Patches[j].Ordinal
		}
		return set.Patches[i].Name < set.Patches[j].Name
	})

	problems = append(problems, checkContiguous(set.Patches)...)
	if len(problems) > 0 {
		return nil, &MalformedError{Dir: dir, Problems: problems}
	}

	clog.FromContext(ctx).Debugf("Loaded %d patches from %s", len(set.Patches), dir)
	return set, nil
}

// checkContiguous expects patches sorted by ordinal.
func checkContiguous(patches []Patch) []string {
	var problems []string
	want := 1
	for i, p := range patches {
		switch {
		case i > 0 && p.Ordinal == patches[i-1].Ordinal:
			problems = append(problems, fmt.Sprintf("ordinal %d is used by both %s and %s", p.Ordinal, patches[i-1].Name, p.Name))
			continue
		case p.Ordinal != want:
			problems = append(problems, fmt.Sprintf("expected ordinal %d, found %s", want, p.Name))
		}
		want = p.Ordinal + 1
	}
	return problems
}

// ParseOrdinal extracts the numeric prefix of a patch file name.
func ParseOrdinal(name string) (int, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Generator renders a commit as mbox patch content.
type Generator interface {
	GeneratePatch(ctx context.Context, path, commit string) ([]byte, error)
}

// Write generates the patch for commit and stores it as ordinal in dir. It
// never replaces an existing file: any patch already holding ordinal fails
// with ErrOrdinalCollision.
func Write(ctx context.Context, dir string, ordinal int, repoPath string, commit git.Commit, gen Generator) (Patch, error) {
	if ordinal < 1 {
		return Patch{}, fmt.Errorf("invalid ordinal %d", ordinal)
	}

	if existing, ok, err := findOrdinal(dir, ordinal); err != nil {
		return Patch{}, err
	} else if ok {
		return Patch{}, fmt.Errorf("%w: %d is taken by %s", nqerrors.ErrOrdinalCollision, ordinal, existing)
	}

	content, err := gen.GeneratePatch(ctx, repoPath, commit.Hash)
	if err != nil {
		return Patch{}, err
	}
	header := parseHeader(string(content))
	if header.Commit != commit.Hash {
		return Patch{}, fmt.Errorf("generated patch records commit %q, expected %s", header.Commit, commit.Hash)
	}

	subject := header.Subject
	if subject == "" {
		subject = commit.Subject
	}
	name := FileName(ordinal, subject)
	path := filepath.Join(dir, name)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Patch{}, fmt.Errorf("failed to create patch directory: %w", err)
	}
	if err := writeExclusive(path, content); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Patch{}, fmt.Errorf("%w: %s already exists", nqerrors.ErrOrdinalCollision, name)
		}
		return Patch{}, fmt.Errorf("failed to write %s: %w", name, err)
	}

	clog.FromContext(ctx).Infof("Wrote %s from %s", name, commit.Short())
	return Patch{
		Ordinal:      ordinal,
		Subject:      subject,
		SourceCommit: commit.Hash,
		Name:         name,
		Path:         path,
	}, nil
}

func findOrdinal(dir string, ordinal int) (string, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read patch directory: %w", err)
	}
	for _, entry := range entries {
		if n, ok := ParseOrdinal(entry.Name()); ok && n == ordinal {
			return entry.Name(), true, nil
		}
	}
	return "", false, nil
}

// writeExclusive writes content to a temp file and links it into place, so
// readers never observe a partial patch and an existing file is never replaced.
func writeExclusive(path string, content []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".nq-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(content); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(0644); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Link(tmpPath, path)
}

// maxSlugLength matches git format-patch's default subject length in file names.
const maxSlugLength = 52

// FileName returns the file name for a patch, following git format-patch's
// subject sanitising rules.
func FileName(ordinal int, subject string) string {
	return fmt.Sprintf("%04d-%s%s", ordinal, slug(subject), Extension)
}

func slug(subject string) string {
	var b strings.Builder
	dash := false
	for _, r := range subject {
		ok := r < 0x80 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_')
		if ok {
			if r == '.' && strings.HasSuffix(b.String(), ".") {
				continue
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	s := b.String()
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	s = strings.Trim(s, "-.")
	if s == "" {
		return "patch"
	}
	return s
}

func subjectFromName(name string) string {
	base := strings.TrimSuffix(name, Extension)
	if _, rest, ok := strings.Cut(base, "-"); ok {
		return strings.ReplaceAll(rest, "-", " ")
	}
	return base
}
