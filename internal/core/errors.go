package core

import "errors"

var (
	// ErrRunConflict is returned by StartRun when the campaign already has
	// an active or finished run and force_resend was not set.
	ErrRunConflict = errors.New("run_conflict")

	// ErrEmptyAudience is returned by StartRun when the audience filter
	// resolves to zero clients. Nothing is persisted.
	ErrEmptyAudience = errors.New("empty_audience")

	// ErrInvalidFilter is returned when an audience payload cannot be
	// normalized, or when a campaign carries neither a filter nor a tag.
	ErrInvalidFilter = errors.New("invalid_audience_filter")

	// ErrInvalidTransition is returned when a status write would perform
	// a hop the transition table does not allow.
	ErrInvalidTransition = errors.New("invalid_status_transition")

	ErrNotFound = errors.New("not_found")
)
