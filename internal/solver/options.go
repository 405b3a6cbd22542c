package solver

// Options configures a solve.
type Options struct {
	MaxIter    int     // Iteration cap (default: 100)
	Tol        float64 // Residual and gap tolerance for Optimal (default: 1e-8)
	ReducedTol float64 // Looser tolerance accepted as OptimalInaccurate (default: 1e-4)
	StepScale  float64 // Fraction-to-boundary scaling (default: 0.99)
}

// DefaultOptions returns the default solver configuration.
func DefaultOptions() Options {
	return Options{
		MaxIter:    100,
		Tol:        1e-8,
		ReducedTol: 1e-4,
		StepScale:  0.99,
	}
}

// withDefaults fills zero-valued fields with defaults.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxIter <= 0 {
		o.MaxIter = def.MaxIter
	}
	if o.Tol <= 0 {
		o.Tol = def.Tol
	}
	if o.ReducedTol <= 0 {
		o.ReducedTol = def.ReducedTol
	}
	if o.StepScale <= 0 || o.StepScale >= 1 {
		o.StepScale = def.StepScale
	}
	return o
}
