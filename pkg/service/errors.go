package service

import (
	"errors"

	"project-tracker/pkg/job"
)

// isClientError reports whether err was caused by the caller rather than the system.
func isClientError(err error) bool {
	var (
		validation *job.ValidationError
		notFound   *job.NotFoundError
		conflict   *job.ConflictError
	)
	return errors.As(err, &validation) || errors.As(err, &notFound) || errors.As(err, &conflict)
}
