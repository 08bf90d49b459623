package pipeline

import (
	"math"

	"github.com/haivivi/callroute/pkg/audio/dsp"
)

// DefaultSpatialRadius is the radius of the persona circle.
const DefaultSpatialRadius = 6.0

// Layout places personas on a horizontal circle around the listener by
// roster index.
type Layout struct {
	Radius float64
	Roster []string
}

// Position returns the seat of personaID: angle = 2π·index/len(Roster),
// x = cos(angle)·r, y = 0, z = sin(angle)·r. Personas not in the roster sit
// at the origin.
func (l Layout) Position(personaID string) dsp.Vec3 {
	n := len(l.Roster)
	for i, id := range l.Roster {
		if id != personaID {
			continue
		}
		angle := 2 * math.Pi * float64(i) / float64(n)
		return dsp.Vec3{
			X: math.Cos(angle) * l.Radius,
			Y: 0,
			Z: math.Sin(angle) * l.Radius,
		}
	}
	return dsp.Vec3{}
}
