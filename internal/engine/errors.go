// Package engine wires the conversion pipeline components together and
// owns the run-level configuration and error taxonomy.
package engine

import (
	"errors"
	"fmt"
)

// UsageError signals a fatal configuration mistake discovered before any
// disk state was touched: an unknown grouping mode, a missing heuristic,
// conflicting flags.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "usage error: " + e.Msg }

// StudyConsistencyError signals conflicting Study Instance UIDs within a
// session that was expected to be single-study, or a subject identifier
// mismatch across files claimed to belong to one subject. Fatal for the
// affected (subject, session); other subjects in the same run continue.
type StudyConsistencyError struct {
	Subject string
	Session string
	Msg     string
}

func (e *StudyConsistencyError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("study consistency error for subject %s session %s: %s", e.Subject, e.Session, e.Msg)
	}
	return fmt.Sprintf("study consistency error for subject %s: %s", e.Subject, e.Msg)
}

// HeuristicError signals that a heuristic raised, returned an invalid
// target shape, or referenced a series_id not present in the input. Fatal
// for the subject being processed.
type HeuristicError struct {
	Heuristic string
	Msg       string
}

func (e *HeuristicError) Error() string {
	return fmt.Sprintf("heuristic error in %s: %s", e.Heuristic, e.Msg)
}

// TranscoderError signals a non-zero transcoder exit or empty output.
// Fatal for the series being converted; other series in the group continue.
type TranscoderError struct {
	SeriesID string
	ExitCode int
	Stderr   string
}

func (e *TranscoderError) Error() string {
	return fmt.Sprintf("transcoder failed for series %s (exit %d): %s", e.SeriesID, e.ExitCode, e.Stderr)
}

// SidecarError signals that reading back or pretty-printing a sidecar JSON
// failed. Recoverable: the caller keeps the original transcoder-produced
// sidecar and logs the offending path.
type SidecarError struct {
	Path string
	Err  error
}

func (e *SidecarError) Error() string {
	return fmt.Sprintf("sidecar error at %s: %v", e.Path, e.Err)
}

func (e *SidecarError) Unwrap() error { return e.Err }

// FilesystemError signals a failed filesystem operation (lock, mkdir,
// rename, link or write). Only lock acquisition is retried before this is
// returned; the other operations fail on their first error.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// IsFatalForSubject reports whether err should stop the pipeline for the
// subject currently being processed without aborting the whole run.
func IsFatalForSubject(err error) bool {
	var sce *StudyConsistencyError
	var he *HeuristicError
	return errors.As(err, &sce) || errors.As(err, &he)
}

// IsFatalForSeries reports whether err should stop conversion of just the
// series currently being processed.
func IsFatalForSeries(err error) bool {
	var te *TranscoderError
	return errors.As(err, &te)
}
