package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dcmpipe/dcmpipe/internal/engine"
)

// Transcoder invokes an external conversion binary against one item's
// source files and reports the sidecar/image files it produced.
type Transcoder interface {
	Convert(ctx context.Context, files []string, workingPrefix string) (Output, error)
}

// Output is a transcoder run's produced files, keyed by extension
// ("nii.gz", "json", "bval", "bvec") to their path under workingPrefix.
type Output struct {
	Files map[string]string
}

// Dcm2niix drives dcm2niix, the converter spec.md §4.4 names as the
// engine's image transcoder.
type Dcm2niix struct {
	BinPath string
}

func (d Dcm2niix) Convert(ctx context.Context, files []string, workingPrefix string) (Output, error) {
	bin := d.BinPath
	if bin == "" {
		bin = "dcm2niix"
	}
	outDir := filepath.Dir(workingPrefix)
	base := filepath.Base(workingPrefix)
	args := []string{"-b", "y", "-z", "y", "-f", base, "-o", outDir}
	args = append(args, files...)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exitCode = ee.ExitCode()
		}
		return Output{}, &engine.TranscoderError{SeriesID: base, ExitCode: exitCode, Stderr: stderr.String()}
	}

	out := Output{Files: map[string]string{}}
	for _, ext := range []string{"nii.gz", "json", "bval", "bvec"} {
		p := workingPrefix + "." + ext
		if _, err := os.Stat(p); err == nil {
			out.Files[ext] = p
		}
	}
	if len(out.Files) == 0 {
		return Output{}, &engine.TranscoderError{SeriesID: base, ExitCode: 0, Stderr: "transcoder produced no output files"}
	}
	return out, nil
}

// NullTranscoder satisfies the "nii.gz" outtype without invoking any
// external binary, for --converter none's "set up the conversion plan
// without actually converting" testing mode.
type NullTranscoder struct{}

func (NullTranscoder) Convert(_ context.Context, _ []string, _ string) (Output, error) {
	return Output{}, nil
}

// DicomCopy satisfies the "dicom" outtype by hardlinking (falling back to a
// copy across devices) source files into the item's working prefix
// directory, per spec.md §4.4's sourcedata placement.
type DicomCopy struct{}

func (DicomCopy) Convert(_ context.Context, files []string, workingPrefix string) (Output, error) {
	dir := workingPrefix
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Output{}, &engine.FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	for i, f := range files {
		dest := filepath.Join(dir, fmt.Sprintf("%04d-%s", i+1, filepath.Base(f)))
		if err := linkOrCopy(f, dest); err != nil {
			return Output{}, &engine.FilesystemError{Op: "link dicom", Path: dest, Err: err}
		}
	}
	return Output{Files: map[string]string{"dicom": dir}}, nil
}

func linkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// WorkingPrefix returns a scratch path under targetDir for an in-progress
// transcoder run, suffixed with a random token so concurrent conversions
// targeting the same final name never collide before the deterministic
// rename step, per spec.md §4.4.
func WorkingPrefix(targetDir, stem string) string {
	return filepath.Join(targetDir, fmt.Sprintf("%s_heudiconv%s", stem, uuid.New().String()[:8]))
}

// isTransientIOError reports whether err looks like a transient filesystem
// condition (as opposed to a transcoder logic failure) worth retrying:
// spec.md §4.4 retries I/O errors around the transcoder invocation, not
// transcoder exit failures themselves.
func isTransientIOError(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		strings.Contains(err.Error(), "resource temporarily unavailable") ||
		strings.Contains(err.Error(), "too many open files") ||
		strings.Contains(err.Error(), "device or resource busy")
}

// RunWithRetry invokes t.Convert, retrying up to maxAttempts times on a
// transient I/O error with a short linear backoff. A transcoder-reported
// failure (non-zero exit, empty output) is never retried.
func RunWithRetry(ctx context.Context, t Transcoder, files []string, workingPrefix string, maxAttempts int, logger *slog.Logger) (Output, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := t.Convert(ctx, files, workingPrefix)
		if err == nil {
			return out, nil
		}
		var te *engine.TranscoderError
		if errors.As(err, &te) {
			return Output{}, err
		}
		lastErr = err
		if !isTransientIOError(err) || attempt == maxAttempts {
			break
		}
		if logger != nil {
			logger.Warn("retrying transcoder invocation after transient I/O error",
				"attempt", attempt, "error", err)
		}
		select {
		case <-ctx.Done():
			return Output{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return Output{}, lastErr
}
