package motion

import "github.com/PierreVH2/ACTSoftware-sub002/internal/debug"

// Handset button bits. The direction buttons share the compass bit layout.
const (
	ButtonNorth uint8 = uint8(North)
	ButtonSouth uint8 = uint8(South)
	ButtonEast  uint8 = uint8(East)
	ButtonWest  uint8 = uint8(West)
	ButtonFast  uint8 = 0x10

	buttonDirs = ButtonNorth | ButtonSouth | ButtonEast | ButtonWest

	// Opposite buttons pressed together are chords.
	ChordAllStop  = ButtonNorth | ButtonSouth
	ChordTracking = ButtonEast | ButtonWest
)

// HandsetHandler reacts to a change of handset buttons from prev to next.
// Pressing the all-stop chord toggles all-stop and the tracking chord
// toggles tracking. Otherwise the held buttons steer a handset cardinal
// move, and releasing them stops it. After a chord the buttons are ignored
// until all are released.
func (c *Controller) HandsetHandler(prev, next uint8) {
	c.mu.Lock()
	defer c.unlock()
	if err := c.handset(prev, next); err != nil {
		debug.Live("Handset %02x -> %02x: %v", prev, next, err)
	}
}

func (c *Controller) handset(prev, next uint8) error {
	dirs := next & buttonDirs
	if c.latched {
		if dirs == 0 {
			c.latched = false
		}
		return nil
	}

	chord := func(b, mask uint8) bool { return b&mask == mask }
	switch {
	case chord(next, ChordAllStop) && !chord(prev, ChordAllStop):
		c.latched = true
		c.stopHandsetMove()
		return c.setAllStop(!c.status.Has(StatusAllStop))
	case chord(next, ChordTracking) && !chord(prev, ChordTracking):
		c.latched = true
		c.stopHandsetMove()
		return c.setTracking(!c.status.Has(StatusTracking))
	}

	rate := c.set.HandsetSlow
	if next&ButtonFast != 0 {
		rate = c.set.HandsetFast
	}
	m, ok := c.mode.(*cardinalMove)
	ours := ok && m.handset
	if dirs == 0 {
		if ours {
			return c.startCardinal(0, rate, true)
		}
		return nil
	}
	if ours && Direction(dirs) == m.requestedDir && c.set.Band.Clamp(rate) == m.requested {
		return nil
	}
	return c.startCardinal(Direction(dirs), rate, true)
}

func (c *Controller) stopHandsetMove() {
	if m, ok := c.mode.(*cardinalMove); ok && m.handset {
		m.requestedDir = 0
	}
}
