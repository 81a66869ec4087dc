//go:build !darwin && !linux

package storage

// filesystemType cannot tell remote mounts apart here; treat everything as local.
func filesystemType(string) (string, error) {
	return "", nil
}
