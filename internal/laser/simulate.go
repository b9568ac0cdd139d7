package laser

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// Simulator produces plausible gauge lines for --dev runs: a diameter that
// wanders slowly around Nominal with measurement noise, and a slightly oval
// cross-section.
type Simulator struct {
	Nominal float64
	Noise   float64
	Ovality float64

	mu    sync.Mutex
	rng   *rand.Rand
	drift float64
	phase float64
}

func NewSimulator(nominal float64, seed uint64) *Simulator {
	return &Simulator{
		Nominal: nominal,
		Noise:   0.004,
		Ovality: 0.01,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next returns the next line in key=value form.
func (s *Simulator) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drift = 0.98*s.drift + 0.002*s.rng.NormFloat64()
	s.phase += 0.05
	d := s.Nominal + s.drift + s.Noise*s.rng.NormFloat64()
	if d < 0 {
		d = 0
	}
	ov := s.Ovality * (1 + 0.2*math.Sin(s.phase))
	x := d * (1 + ov/2)
	y := d * (1 - ov/2)
	return fmt.Sprintf("D=%.4f X=%.4f Y=%.4f", d, x, y)
}
