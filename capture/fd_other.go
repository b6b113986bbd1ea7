//go:build !unix

package capture

func closeFD(fd int) error {
	return ErrNotImplemented
}
