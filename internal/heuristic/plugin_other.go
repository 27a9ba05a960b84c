//go:build !linux && !darwin && !freebsd

package heuristic

import "fmt"

// loadPlugin is unavailable on platforms without Go plugin support.
func loadPlugin(path string) (Heuristic, error) {
	return nil, fmt.Errorf("compiled heuristic plugins are not supported on this platform: %s", path)
}
