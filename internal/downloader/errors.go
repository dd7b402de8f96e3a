package downloader

import "errors"

var (
	ErrNotFound          = errors.New("downloader: download not found")
	ErrNotPaused         = errors.New("downloader: download is not paused")
	ErrNotActive         = errors.New("downloader: download is not running")
	ErrArtifactBusy      = errors.New("downloader: artifact is already being downloaded")
	ErrInvalidArtifactID = errors.New("downloader: invalid artifact id")
	ErrClosed            = errors.New("downloader: shutting down")

	// errStopped is the outcome of a task whose stop signal was raised. It
	// never reaches callers.
	errStopped = errors.New("transfer stopped")
)
