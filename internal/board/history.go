package board

import "whiteboard/internal/shape"

// history is a stack of full snapshots. With a positive capacity, pushing past
// it drops the oldest entry.
type history struct {
	snaps    [][]shape.Shape
	capacity int
}

func newHistory(capacity int) *history {
	return &history{capacity: capacity}
}

func (h *history) push(snap []shape.Shape) {
	h.snaps = append(h.snaps, snap)
	if h.capacity > 0 && len(h.snaps) > h.capacity {
		h.snaps = append([][]shape.Shape(nil), h.snaps[len(h.snaps)-h.capacity:]...)
	}
}

func (h *history) pop() ([]shape.Shape, bool) {
	if len(h.snaps) == 0 {
		return nil, false
	}
	top := h.snaps[len(h.snaps)-1]
	h.snaps[len(h.snaps)-1] = nil
	h.snaps = h.snaps[:len(h.snaps)-1]
	return top, true
}

func (h *history) len() int {
	return len(h.snaps)
}

func (h *history) clear() {
	h.snaps = nil
}
