//go:build !linux
// +build !linux

package collect

// HugePageSizes is only implemented on Linux.
func HugePageSizes() ([]int, error) {
	return nil, ErrUnsupported
}
