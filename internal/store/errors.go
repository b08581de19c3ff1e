package store

import (
	"errors"

	"github.com/schaermu/gitstore/internal/workingcopy"
)

var (
	// ErrLocalWriteFailed is returned by Write when the value could not be
	// encoded or written to disk. Nothing was enqueued.
	ErrLocalWriteFailed = errors.New("local write failed")

	// ErrPushFailed wraps add, commit or push failures after a successful
	// local write. It never reaches Write callers; the retry scheduler absorbs it.
	ErrPushFailed = errors.New("push failed")

	// ErrSyncFailed is returned when the working copy could not be cloned or pulled
	ErrSyncFailed = workingcopy.ErrSyncFailed

	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("store closed")
)
