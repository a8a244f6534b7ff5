package stack

import (
	"errors"
	"reflect"
)

// ErrEmptyStack is returned when popping from an empty stack.
var ErrEmptyStack = errors.New("dialogue stack is empty")

// Stack is the ordered list of frames; the last element is the active,
// topmost frame. Only the topmost frame is live for execution, lower frames
// are suspended flows awaiting resumption.
type Stack struct {
	frames []Frame
}

// New creates a stack from bottom to top.
func New(frames ...Frame) *Stack {
	return &Stack{frames: frames}
}

// Frames returns the frames from bottom to top. The returned slice is the
// stack's backing storage; callers must not modify it.
func (s *Stack) Frames() []Frame {
	return s.frames
}

// IsEmpty reports whether the stack holds no frames.
func (s *Stack) IsEmpty() bool {
	return len(s.frames) == 0
}

// Push appends a frame on top of the stack.
func (s *Stack) Push(frame Frame) {
	s.frames = append(s.frames, frame)
}

// PushAt inserts a frame at the given index, shifting everything above up.
// Pushing at len(frames) is equivalent to Push. Used when a new correction
// has to slide in below an already running correction.
func (s *Stack) PushAt(frame Frame, index int) {
	if index < 0 {
		index = 0
	}
	if index >= len(s.frames) {
		s.Push(frame)
		return
	}
	s.frames = append(s.frames[:index+1], s.frames[index:]...)
	s.frames[index] = frame
}

// Pop removes and returns the topmost frame.
func (s *Stack) Pop() (Frame, error) {
	if s.IsEmpty() {
		return nil, ErrEmptyStack
	}
	top := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	return top, nil
}

// Top returns the topmost frame, or nil for an empty stack.
func (s *Stack) Top() Frame {
	if s.IsEmpty() {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Update replaces the topmost frame.
func (s *Stack) Update(frame Frame) {
	if !s.IsEmpty() {
		s.frames = s.frames[:len(s.frames)-1]
	}
	s.Push(frame)
}

// AdvanceTopStep moves the topmost frame's step pointer in place.
func (s *Stack) AdvanceTopStep(stepID string) {
	if top := s.Top(); top != nil {
		top.SetStepID(stepID)
	}
}

// TopUserFrame returns the topmost user flow frame, skipping pattern
// frames, or nil if there is none.
func (s *Stack) TopUserFrame() *UserFrame {
	for i := len(s.frames) - 1; i >= 0; i-- {
		if user, ok := s.frames[i].(*UserFrame); ok {
			return user
		}
	}
	return nil
}

// AsRecords serializes the stack to an ordered list of tagged records,
// bottom first.
func (s *Stack) AsRecords() []map[string]any {
	records := make([]map[string]any, 0, len(s.frames))
	for _, frame := range s.frames {
		records = append(records, frame.AsRecord())
	}
	return records
}

// FromRecords reconstructs a stack from its persisted record list.
func FromRecords(records []map[string]any) (*Stack, error) {
	frames := make([]Frame, 0, len(records))
	for _, record := range records {
		frame, err := FrameFromRecord(record)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return New(frames...), nil
}

// Equal compares two stacks structurally, by serialized form.
func (s *Stack) Equal(other *Stack) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.frames) != len(other.frames) {
		return false
	}
	if len(s.frames) == 0 {
		return true
	}
	return reflect.DeepEqual(s.AsRecords(), other.AsRecords())
}
