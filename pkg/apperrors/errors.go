package apperrors

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNoData           = errors.New("Data is not present. Upload it first")
	ErrBudgetExhausted  = errors.New("Failed to generate a good analysis after multiple attempts. Try again.")
	ErrUnsupportedFile  = errors.New("unsupported file format")
	ErrFileTooLarge     = errors.New("file exceeds the upload size limit")
	ErrInvalidSchema    = errors.New("invalid schema")
	ErrWideningRepeated = errors.New("column type widening requested twice")
)
