package collector

import "errors"

// ErrAlreadyRunning is returned when a batch start hits a session that
// already has an active run.
var ErrAlreadyRunning = errors.New("collector: a batch is already running for this session")

// ErrInvalidInput is returned when a batch request carries no usable questions.
var ErrInvalidInput = errors.New("collector: invalid input")

// ErrTaskNotFound is returned when a task ID has no known state.
var ErrTaskNotFound = errors.New("collector: task not found")
