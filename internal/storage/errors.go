package storage

import "errors"

var (
	// ErrVerification marks a staged file that failed its integrity check.
	// The target was not touched.
	ErrVerification = errors.New("verification failed")

	// ErrSwap marks a failure while promoting the staged file into place.
	ErrSwap = errors.New("atomic swap failed")
)
