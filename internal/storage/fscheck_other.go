//go:build !linux

package storage

// detectFilesystemType cannot tell on this platform; the network check is skipped.
func detectFilesystemType(string) (string, error) {
	return "", nil
}
