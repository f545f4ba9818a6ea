package domain

import (
	"errors"
)

var (
	ErrGroupNotFound    = errors.New("export group not found")
	ErrExportNotStarted = errors.New("export has not started yet")
	ErrInvalidCursor    = errors.New("invalid cursor")
)
