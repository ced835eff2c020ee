// Package pixel holds the value types shared by every component that addresses the board.
package pixel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// BoardSize is the width and height of the square board.
const BoardSize = 1024

// BlankColor is the color of a pixel nobody has painted in the current cycle.
const BlankColor Color = "#FFFFFF"

var (
	// ErrInvalidCoordinate indicates that x or y lies outside [0, BoardSize).
	ErrInvalidCoordinate = errors.New("pixel: invalid coordinate")
	// ErrInvalidColor indicates that a color is not a #RRGGBB hex triplet.
	ErrInvalidColor = errors.New("pixel: invalid color")
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Coordinate is a validated board position.
type Coordinate struct {
	X int
	Y int
}

// NewCoordinate validates x and y against the board bounds.
func NewCoordinate(x, y int) (Coordinate, error) {
	if x < 0 || x >= BoardSize || y < 0 || y >= BoardSize {
		return Coordinate{}, fmt.Errorf("%w: (%d,%d)", ErrInvalidCoordinate, x, y)
	}
	return Coordinate{X: x, Y: y}, nil
}

// Key returns a stable identifier for the coordinate.
func (c Coordinate) Key() string {
	return fmt.Sprintf("%d:%d", c.X, c.Y)
}

// Region returns the coordinate of the region tile containing c for tiles of the given size.
func (c Coordinate) Region(size int) (int, int) {
	if size <= 0 {
		size = 1
	}
	return c.X / size, c.Y / size
}

// Color is a validated, upper-cased #RRGGBB color.
type Color string

// NewColor validates raw input and returns a normalized Color.
func NewColor(rawInput string) (Color, error) {
	trimmed := strings.TrimSpace(rawInput)
	if !colorPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidColor, rawInput)
	}
	return Color(strings.ToUpper(trimmed)), nil
}

// String returns the hex representation.
func (c Color) String() string {
	return string(c)
}
