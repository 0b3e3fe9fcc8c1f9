package models

import (
	"errors"
	"fmt"
)

var (
	ErrStorage   = errors.New("storage error")
	ErrLoad      = errors.New("load error")
	ErrEmbedding = errors.New("embedding error")
	ErrIndexInit = errors.New("index init error")
	ErrIndex     = errors.New("index error")
	ErrSynthesis = errors.New("synthesis error")

	// ErrEmptyDocument marks a document that loaded fine but holds no text.
	ErrEmptyDocument = errors.New("document is empty")
	ErrEmptyQuestion = errors.New("question is empty")
)

// StageError records the pipeline stage that failed, the error kind and the cause.
type StageError struct {
	Kind  error
	Stage string
	Err   error
}

func NewStageError(kind error, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
