package model

import "fmt"

// GridSize is the canonical pixel footprint for a plot identity. Once
// recorded, every later clip of that identity is reconciled to it.
type GridSize struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

func (s GridSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// IsZero reports whether no size has been recorded.
func (s GridSize) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}
