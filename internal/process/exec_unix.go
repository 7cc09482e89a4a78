//go:build !windows

package process

import "os"

// ensureExecutable adds the execute bits that match the existing read bits.
// Packaged artifacts sometimes lose them when unpacked from an archive.
func ensureExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := fi.Mode().Perm()
	want := mode | (mode&0o444)>>2
	if want == mode {
		return nil
	}
	return os.Chmod(path, want)
}
