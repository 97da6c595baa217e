//go:build !linux
// +build !linux

package collab

import "errors"

func diskFree(path string) (int64, error) {
	_ = path
	return -1, errors.New("disk free check unsupported on this platform")
}
