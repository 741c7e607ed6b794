package model

import "errors"

var (
	// ErrPlanGenerationFailed means no plan, not even the fallback plan, could be built.
	ErrPlanGenerationFailed = errors.New("plan generation failed")
	// ErrWorkerUnavailable means the worker is missing, not available, or its breaker is open.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrWorkerDispatchFailed means the dispatch call returned an error.
	ErrWorkerDispatchFailed = errors.New("worker dispatch failed")
	// ErrPersistenceAppendFailed aborts the current run. Sequence numbers are
	// never guessed; orphan recovery resumes the task on the next start.
	ErrPersistenceAppendFailed = errors.New("persistence append failed")
	// ErrInvalidWorkerReference marks a plan worker id missing from the directory.
	ErrInvalidWorkerReference = errors.New("invalid worker reference")

	ErrTaskNotFound   = errors.New("task not found")
	ErrAlreadyRunning = errors.New("task is already being orchestrated")
	ErrTerminalTask   = errors.New("task is in a terminal state")
	ErrUnknownRequest = errors.New("unknown user-input request")
)
