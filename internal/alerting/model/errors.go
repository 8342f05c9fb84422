package model

import "errors"

// ErrNotFound indicates a missing record.
var ErrNotFound = errors.New("alerting: not found")
