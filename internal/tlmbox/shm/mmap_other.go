//go:build !unix

package shm

import "errors"

// OpenRegion is only available on unix platforms.
func OpenRegion(path string, size int) (*Region, error) {
	return nil, errors.New("open region: file-backed regions require a unix platform")
}
