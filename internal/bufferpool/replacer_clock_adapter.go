package bufferpool

import "github.com/tuannm99/blinkdb/pkg/clockx"

var _ Replacer = (*clockAdapter)(nil)

// clockAdapter maps the Replacer vocabulary onto the clockx ring.
type clockAdapter struct {
	ring *clockx.Clock
}

func newClockAdapter(capacity int) *clockAdapter {
	return &clockAdapter{ring: clockx.New(capacity)}
}

func (a *clockAdapter) RecordAccess(frameID int)          { a.ring.Touch(frameID) }
func (a *clockAdapter) SetEvictable(frameID int, on bool) { a.ring.SetEvictable(frameID, on) }
func (a *clockAdapter) Evict() (int, bool)                { return a.ring.Evict() }
func (a *clockAdapter) Remove(frameID int)                { a.ring.Remove(frameID) }
func (a *clockAdapter) Size() int                         { return a.ring.Size() }
