package session

// Option customizes a Factory.
type Option func(*Factory)

// WithLogger installs a structured logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder for engine operations.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(f *Factory) {
		if metrics != nil {
			f.metrics = metrics
		}
	}
}

// WithTracer installs a tracer opening one span per engine operation.
func WithTracer(tracer Tracer) Option {
	return func(f *Factory) {
		if tracer != nil {
			f.tracer = tracer
		}
	}
}

// WithNPlusOneThreshold sets the per-path proxy resolution count at which a
// scope reports a suspected N+1 access pattern.
func WithNPlusOneThreshold(threshold int) Option {
	return func(f *Factory) {
		f.nPlusOneThreshold = threshold
	}
}

// WithNPlusOneHook installs a callback fired when a path's resolution count
// within one scope reaches the threshold. Detection only; behavior is never
// changed.
func WithNPlusOneHook(hook func(path string, count int)) Option {
	return func(f *Factory) {
		f.suspectHook = hook
	}
}
