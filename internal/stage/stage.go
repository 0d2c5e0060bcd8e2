package stage

import (
	"fmt"
	"strings"
)

// Stage names one ordered phase of the pipeline or one of its terminal states.
type Stage string

const (
	Fetch     Stage = "fetch"
	OCR       Stage = "ocr"
	Compile   Stage = "compile"
	Extract   Stage = "extract"
	Deploy    Stage = "deploy"
	Completed Stage = "completed"
	Failed    Stage = "failed"
)

var pipeline = []Stage{Fetch, OCR, Compile, Extract, Deploy}

// Pipeline returns the working stages in execution order.
func Pipeline() []Stage {
	out := make([]Stage, len(pipeline))
	copy(out, pipeline)
	return out
}

// First is the stage every site enters the pipeline at.
func First() Stage { return pipeline[0] }

// Index reports the position of s within Pipeline, or -1 for terminal and
// unknown values.
func (s Stage) Index() int {
	for i, candidate := range pipeline {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the stage that follows s. The last working stage advances to
// Completed; terminal stages have no successor.
func (s Stage) Next() (Stage, bool) {
	idx := s.Index()
	switch {
	case idx < 0:
		return "", false
	case idx == len(pipeline)-1:
		return Completed, true
	default:
		return pipeline[idx+1], true
	}
}

// Prev returns the working stage before s, if any.
func (s Stage) Prev() (Stage, bool) {
	idx := s.Index()
	if idx <= 0 {
		return "", false
	}
	return pipeline[idx-1], true
}

// IsTerminal reports whether s is Completed or Failed.
func (s Stage) IsTerminal() bool {
	return s == Completed || s == Failed
}

// Valid reports whether s is a known working or terminal stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0 || s.IsTerminal()
}

func (s Stage) String() string { return string(s) }

// Parse converts user input into a Stage.
func Parse(value string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(value)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return s, nil
}
