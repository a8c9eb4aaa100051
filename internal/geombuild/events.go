package geombuild

import (
	"time"
)

// Step event types for the streaming build variant.
const (
	StepEventProgress = "progress"
	StepEventComplete = "complete"
	StepEventError    = "error"
)

// StepEvent is one entry in a build's step stream: a progress event per
// pipeline stage (collect, analyze, snap, union, clean, save), terminated by
// exactly one complete or error event.
type StepEvent struct {
	Type           string  `json:"type"`
	Step           string  `json:"step,omitempty"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Data           any     `json:"data,omitempty"`
}

// StepObserver receives build step events. Called synchronously from the
// build goroutine; observers that block slow the build down.
type StepObserver func(StepEvent)

// stepEmitter wraps an optional observer with elapsed-time bookkeeping and
// the terminal-event guarantee.
type stepEmitter struct {
	observe StepObserver
	start   time.Time
	done    bool
}

func newStepEmitter(observe StepObserver, start time.Time) *stepEmitter {
	return &stepEmitter{observe: observe, start: start}
}

func (e *stepEmitter) step(name string) {
	if e.observe == nil || e.done {
		return
	}
	e.observe(StepEvent{
		Type:           StepEventProgress,
		Step:           name,
		ElapsedSeconds: e.elapsed(),
	})
}

func (e *stepEmitter) complete(res BuildResult) {
	if e.observe == nil || e.done {
		return
	}
	e.done = true
	e.observe(StepEvent{
		Type:           StepEventComplete,
		ElapsedSeconds: e.elapsed(),
		Data:           res,
	})
}

func (e *stepEmitter) error(err error) {
	if e.observe == nil || e.done {
		return
	}
	e.done = true
	e.observe(StepEvent{
		Type:           StepEventError,
		ElapsedSeconds: e.elapsed(),
		Data:           map[string]string{"error": err.Error()},
	})
}

func (e *stepEmitter) elapsed() float64 {
	return time.Since(e.start).Seconds()
}
