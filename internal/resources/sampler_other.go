//go:build !linux

package resources

// NewHostSampler reports ErrUnsupported; callers run without a gate.
func NewHostSampler() (Sampler, error) {
	return nil, ErrUnsupported
}
