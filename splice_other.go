//go:build !linux
// +build !linux

package collect

// kernelMovers is empty on platforms without splice(2); Transfer uses
// read/write only.
func kernelMovers() []Mover {
	return nil
}

// waitReady is never needed: read/write through *os.File does not
// surface EAGAIN.
func waitReady(src, dst Endpoint) error {
	return nil
}
