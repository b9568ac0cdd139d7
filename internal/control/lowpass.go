package control

// LowPass is a first-order exponential moving average:
//
//	y = α·x + (1-α)·y_prev
//
// y_prev starts at zero, so a step input ramps in from rest.
type LowPass struct {
	Alpha float64

	y float64
}

func NewLowPass(alpha float64) *LowPass {
	return &LowPass{Alpha: alpha}
}

// Apply filters x and returns the new output.
func (f *LowPass) Apply(x float64) float64 {
	f.y = f.Alpha*x + (1-f.Alpha)*f.y
	return f.y
}

// Value returns the last output.
func (f *LowPass) Value() float64 { return f.y }

// Reset returns the filter to rest.
func (f *LowPass) Reset() { f.y = 0 }
