//go:build !darwin && !linux

package tmuxprovider

// detectDefaultShell returns /bin/sh on unsupported platforms.
func detectDefaultShell() string {
	return "/bin/sh"
}
