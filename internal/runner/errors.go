package runner

import "errors"

var (
	ErrStopped  = errors.New("runner stopped")
	ErrStopping = errors.New("runner stopping")
	ErrNoStore  = errors.New("runner has no store")
)
