package models

import "errors"

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrMissingPrompt       = errors.New("message is required")
	ErrMissingTheme        = errors.New("themeId is required")
	ErrHitlNotEnabled      = errors.New("task does not support HITL")
	ErrNotAwaitingResponse = errors.New("task is not awaiting a human response")
	ErrInvalidAction       = errors.New("action must be approve or reject")
	ErrFeedbackRequired    = errors.New("customInput is required when rejecting a manual checkpoint")
)
