package repository

import "errors"

var (
	ErrExamNotFound       = errors.New("exam not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionConflict means a submission already exists for the
	// (exam, candidate) pair.
	ErrSubmissionConflict = errors.New("submission already exists")
)
