package assignment

import "errors"

var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrBatchExists       = errors.New("batch already exists")
	ErrInvalidTransition = errors.New("invalid batch status transition")
	ErrBatchNotImported  = errors.New("batch import has not completed")
	ErrBatchNotResolved  = errors.New("batch has not been resolved")
	ErrRowNotFound       = errors.New("staging row not found")
)
