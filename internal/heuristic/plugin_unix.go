//go:build linux || darwin || freebsd

package heuristic

import (
	"fmt"
	"plugin"
)

// loadPlugin opens a compiled Go plugin (built with -buildmode=plugin) and
// looks up its exported `New func() heuristic.Heuristic` symbol.
func loadPlugin(path string) (Heuristic, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening heuristic plugin %s: %w", path, err)
	}
	sym, err := p.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("heuristic plugin %s missing New symbol: %w", path, err)
	}
	ctor, ok := sym.(func() Heuristic)
	if !ok {
		return nil, fmt.Errorf("heuristic plugin %s: New has wrong signature", path)
	}
	return ctor(), nil
}
