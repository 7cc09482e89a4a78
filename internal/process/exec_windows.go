//go:build windows

package process

import "os"

// ensureExecutable only checks existence; Windows has no execute bit.
func ensureExecutable(path string) error {
	_, err := os.Stat(path)
	return err
}
