//go:build !linux

package monitor

import (
	"fmt"
	"runtime"

	"github.com/jkaninda/plugbox/internal/security"
)

type unsupportedSampler struct{}

func newPlatformSampler() sampler {
	return unsupportedSampler{}
}

func (unsupportedSampler) init() error {
	return fmt.Errorf("%w: process sampling on %s", security.ErrNotSupported, runtime.GOOS)
}

func (unsupportedSampler) sample(int) (security.ResourceUsage, error) {
	return security.ResourceUsage{}, security.ErrNotSupported
}
