package engine

import (
	"time"

	"github.com/rmonteiro98/papo/internal/bus"
	"github.com/rmonteiro98/papo/internal/timefmt"
)

// viewport tracks where the reader is within the active conversation.
// At the bottom, incoming messages scroll into view and the watermark
// logic treats them as read; scrolled up, they accumulate behind a
// jump-to-latest affordance instead of yanking the scroll position.
type viewport struct {
	atBottom bool
	unseen   int
}

// AtBottom reports whether the view is pinned to the newest message.
func (e *Engine) AtBottom() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.atBottom
}

// SetAtBottom records a scroll position change from the front-end.
// Returning to the bottom clears the unseen badge.
func (e *Engine) SetAtBottom(atBottom bool) {
	e.mu.Lock()
	e.view.atBottom = atBottom
	if atBottom {
		e.view.unseen = 0
	}
	e.mu.Unlock()
}

// UnseenCount returns the number of messages that arrived while
// scrolled away from the bottom.
func (e *Engine) UnseenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view.unseen
}

// JumpToLatest pins the view back to the newest message, clears the
// badge and emits the scroll side-effect.
func (e *Engine) JumpToLatest() {
	e.mu.Lock()
	e.view.atBottom = true
	e.view.unseen = 0
	peerID := e.peerID
	e.mu.Unlock()

	e.bus.Emit(bus.KindScrollToBottom, peerID)
}

// SeparatorIndices returns the message indices that start a new
// calendar day; the front-end renders a day separator above each.
func (e *Engine) SeparatorIndices() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int
	for i := range e.msgs {
		if i == 0 || timefmt.NeedsSeparator(e.msgs[i-1].SentAt, e.msgs[i].SentAt) {
			out = append(out, i)
		}
	}
	return out
}

// StickyLabel returns the day label for the topmost visible message,
// shown pinned while scrolling.
func (e *Engine) StickyLabel(topIndex int, now time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if topIndex < 0 || topIndex >= len(e.msgs) {
		return ""
	}
	return timefmt.DayLabel(e.msgs[topIndex].SentAt, now)
}
