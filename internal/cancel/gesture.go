package cancel

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultHoldThreshold is the press duration at which a cancel gesture
// becomes a forced abort.
const DefaultHoldThreshold = 2000 * time.Millisecond

// Forced classifies a press/hold gesture. A hold of at least threshold
// means forced; the boundary itself counts as a hold.
func Forced(pressedAt, releasedAt time.Time, threshold time.Duration) bool {
	return releasedAt.Sub(pressedAt) >= threshold
}

// ErrNoPress is returned by Release without a matching Press.
var ErrNoPress = errors.New("release without press")

// PressTracker turns press/release pairs from the control surface into
// a gesture classification. One outstanding press at a time; a second
// press before release restarts the hold.
type PressTracker struct {
	clk       clock.Clock
	threshold time.Duration

	mu        sync.Mutex
	pressedAt time.Time
	pressed   bool
}

// NewPressTracker creates a tracker with the given hold threshold.
func NewPressTracker(threshold time.Duration, clk clock.Clock) *PressTracker {
	if threshold <= 0 {
		threshold = DefaultHoldThreshold
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PressTracker{clk: clk, threshold: threshold}
}

// Press records the start of a hold.
func (p *PressTracker) Press() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pressedAt = p.clk.Now()
	p.pressed = true
}

// Release ends the hold and returns whether the gesture classifies as
// forced. Returns ErrNoPress when no press is outstanding.
func (p *PressTracker) Release() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pressed {
		return false, ErrNoPress
	}
	p.pressed = false
	return Forced(p.pressedAt, p.clk.Now(), p.threshold), nil
}
