// Package discover implements file discovery and archive extraction: it
// expands a subject/session locator template into concrete input paths,
// walks them for candidate files, and extracts any archives it finds into
// scratch directories so the rest of the pipeline only ever sees plain
// files on disk.
package discover

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/semaphore"
)

// Locator names one subject/session's input, either as a literal path or a
// template containing {subject} and {session} placeholders.
type Locator struct {
	Template string
	Subject  string
	Session  string
}

// Expand substitutes {subject} and {session} in the template with their
// concrete values. Session may be empty, in which case {session} resolves
// to the empty string (no session level for this subject).
func (l Locator) Expand() (string, error) {
	if l.Template == "" {
		return "", fmt.Errorf("empty locator template")
	}
	if l.Subject == "" {
		return "", fmt.Errorf("locator %q requires a subject", l.Template)
	}
	out := strings.NewReplacer(
		"{subject}", l.Subject,
		"{session}", l.Session,
	).Replace(l.Template)
	return out, nil
}

// Options configures Discover.
type Options struct {
	// ScratchRoot is where extracted archive contents are written, one
	// uuid-named subdirectory per archive.
	ScratchRoot string
	// MaxConcurrentExtractions bounds how many archives are decompressed
	// at once; 0 means sequential.
	MaxConcurrentExtractions int64
}

// Result is what Discover found: the plain files ready for header reading,
// the scratch directories created for archive contents (the caller owns
// cleaning these up once conversion finishes), and any per-archive errors
// that did not abort the whole run.
type Result struct {
	Files       []string
	ScratchDirs []string
	Errors      *multierror.Error
}

// Discover expands each locator, walks the resulting path for files, and
// extracts any archives it encounters. A single corrupt or unreadable
// archive is recorded in Result.Errors and does not prevent other inputs
// from being processed.
func Discover(ctx context.Context, locators []Locator, opts Options) (*Result, error) {
	res := &Result{}
	var roots []string
	for _, loc := range locators {
		expanded, err := loc.Expand()
		if err != nil {
			return nil, fmt.Errorf("expanding locator: %w", err)
		}
		roots = append(roots, expanded)
	}

	var plainFiles, archives []string
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			res.Errors = multierror.Append(res.Errors, fmt.Errorf("stat %s: %w", root, err))
			continue
		}
		if !info.IsDir() {
			if IsArchive(root) {
				archives = append(archives, root)
			} else {
				plainFiles = append(plainFiles, root)
			}
			continue
		}
		files, err := Walk(root)
		if err != nil {
			res.Errors = multierror.Append(res.Errors, fmt.Errorf("walking %s: %w", root, err))
			continue
		}
		for _, f := range files {
			if IsArchive(f) {
				archives = append(archives, f)
			} else {
				plainFiles = append(plainFiles, f)
			}
		}
	}
	res.Files = append(res.Files, plainFiles...)

	if len(archives) == 0 {
		sort.Strings(res.Files)
		return res, nil
	}

	maxConc := opts.MaxConcurrentExtractions
	if maxConc <= 0 {
		maxConc = 1
	}
	sem := semaphore.NewWeighted(maxConc)

	type extractOutcome struct {
		dir   string
		files []string
		err   error
	}
	outcomes := make([]extractOutcome, len(archives))
	done := make(chan int, len(archives))

	for i, archivePath := range archives {
		i, archivePath := i, archivePath
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = extractOutcome{err: fmt.Errorf("acquiring extraction slot for %s: %w", archivePath, err)}
			done <- i
			continue
		}
		go func() {
			defer sem.Release(1)
			dest := filepath.Join(opts.ScratchRoot, uuid.NewString())
			if err := os.MkdirAll(dest, 0o755); err != nil {
				outcomes[i] = extractOutcome{err: fmt.Errorf("scratch dir for %s: %w", archivePath, err)}
				done <- i
				return
			}
			if err := ExtractArchive(ctx, archivePath, dest); err != nil {
				outcomes[i] = extractOutcome{dir: dest, err: fmt.Errorf("extracting %s: %w", archivePath, err)}
				done <- i
				return
			}
			files, err := Walk(dest)
			if err != nil {
				outcomes[i] = extractOutcome{dir: dest, err: fmt.Errorf("walking extracted %s: %w", archivePath, err)}
				done <- i
				return
			}
			outcomes[i] = extractOutcome{dir: dest, files: files}
			done <- i
		}()
	}
	for range archives {
		<-done
	}

	for _, o := range outcomes {
		if o.dir != "" {
			res.ScratchDirs = append(res.ScratchDirs, o.dir)
		}
		if o.err != nil {
			res.Errors = multierror.Append(res.Errors, o.err)
			continue
		}
		res.Files = append(res.Files, o.files...)
	}
	sort.Strings(res.Files)
	sort.Strings(res.ScratchDirs)
	return res, nil
}

// Walk returns every regular file under root, in lexical order.
func Walk(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// IsArchive reports whether path's extension names a supported archive
// format (.zip, .tar, .tar.gz, .tgz).
func IsArchive(path string) bool {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"),
		strings.HasSuffix(lower, ".tar"),
		strings.HasSuffix(lower, ".tar.gz"),
		strings.HasSuffix(lower, ".tgz"):
		return true
	}
	return false
}

// ExtractArchive extracts path into destDir, dispatching on extension.
func ExtractArchive(ctx context.Context, path, destDir string) error {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(path, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarGz(path, destDir)
	case strings.HasSuffix(lower, ".tar"):
		return extractTar(path, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", path)
	}
}

func extractTar(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return extractTarStream(tar.NewReader(f), destDir)
}

func extractTarGz(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()
	return extractTarStream(tar.NewReader(gz), destDir)
}

func extractTarStream(tr *tar.Reader, destDir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("writing %s: %w", target, err)
			}
			out.Close()
		}
	}
}

func extractZip(path, destDir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer r.Close()
	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return fmt.Errorf("writing %s: %w", target, err)
		}
		out.Close()
		rc.Close()
	}
	return nil
}

// safeJoin joins destDir and name, rejecting names that would escape
// destDir via ".." path traversal (a malicious or corrupt archive entry).
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	cleanDest := filepath.Clean(destDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), cleanDest) && filepath.Clean(target) != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry %q escapes destination directory", name)
	}
	return target, nil
}
