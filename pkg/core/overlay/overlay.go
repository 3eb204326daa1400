// Package overlay computes the animated status visualization composited
// onto recorded video: a glowing avatar scaled by counterpart activity, a
// swirling particle field, and a thinking ring.
//
// The layout is deterministic. Particle geometry is a closed-form function
// of a monotonically advancing motion phase plus per-particle constants
// derived from a seeded linear-congruential mix, so the same phase always
// produces the same frame.
package overlay

import "math"

// ParticleCount is the fixed number of particles in the field.
const ParticleCount = 24

// particleSeed is the fixed seed for the particle layout. Changing it
// changes every recording's look, so it is a constant, not configuration.
const particleSeed = 0x5eed

// activitySwirl controls how much counterpart activity speeds up the
// particle motion.
const activitySwirl = 3.0

// Particle is one particle's position and rendering weight for a frame.
type Particle struct {
	X      float64
	Y      float64
	Radius float64
	Alpha  float64
}

// State is the overlay's per-tick animation state. It is recomputed every
// render tick and never persisted.
type State struct {
	// AudioLevel is the counterpart activity level in [0, 1].
	AudioLevel float64
	// Thinking indicates the counterpart is formulating a response.
	Thinking bool
	// MotionPhase advances monotonically and drives all particle motion.
	MotionPhase float64
}

// Advance moves the motion phase forward proportionally to elapsed seconds
// and the current activity level, so particles swirl faster while the
// counterpart speaks.
func (s *State) Advance(elapsedSeconds, activity float64) {
	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}
	if activity < 0 {
		activity = 0
	} else if activity > 1 {
		activity = 1
	}
	s.AudioLevel = activity
	s.MotionPhase += elapsedSeconds * (1 + activity*activitySwirl)
}

// lcg is a linear-congruential mix producing a deterministic value in
// [0, 1) for the given key.
func lcg(key uint32) float64 {
	x := particleSeed ^ key
	x = (1103515245*x + 12345) & 0x7fffffff
	x = (1103515245*x + 12345) & 0x7fffffff
	return float64(x) / float64(0x80000000)
}

// Particles returns the particle layout for the given motion phase on a
// w×h surface. The result depends only on the arguments.
func Particles(phase, w, h float64) []Particle {
	cx, cy := w/2, h/2
	base := math.Min(w, h) / 2

	out := make([]Particle, ParticleCount)
	for i := 0; i < ParticleCount; i++ {
		key := uint32(i)
		angle0 := lcg(key*3+1) * 2 * math.Pi
		radial := 0.45 + lcg(key*3+2)*0.4  // orbit radius as fraction of base
		speed := 0.2 + lcg(key*3+3)*0.6    // angular speed multiplier

		angle := angle0 + phase*speed
		// Radius breathes slightly with phase so orbits do not look rigid.
		r := base * radial * (1 + 0.08*math.Sin(phase*0.7+float64(i)))

		out[i] = Particle{
			X:      cx + r*math.Cos(angle),
			Y:      cy + r*math.Sin(angle),
			Radius: 1.5 + lcg(key*3+2)*2.5,
			Alpha:  0.25 + 0.5*lcg(key*3+1),
		}
	}
	return out
}

// AvatarGlow returns the avatar glow radius and alpha for the given
// activity level on a surface with the given base dimension.
func AvatarGlow(activity, base float64) (radius, alpha float64) {
	if activity < 0 {
		activity = 0
	} else if activity > 1 {
		activity = 1
	}
	radius = base * (0.18 + 0.10*activity)
	alpha = 0.35 + 0.45*activity
	return radius, alpha
}
