//go:build !linux

package shape

import "errors"

var errPinningUnsupported = errors.New("shape: cpu pinning is only supported on linux")

func pinToCPU(int) error {
	return errPinningUnsupported
}
