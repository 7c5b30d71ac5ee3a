//go:build !linux

package transport

import (
	"errors"
	"io"
)

func openTTY(path string, baud int) (io.ReadWriteCloser, error) {
	return nil, errors.New("transport: serial consoles are only supported on linux")
}
