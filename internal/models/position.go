package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a delivery position within a partition in the "<ms>-<seq>" form
// used by Redis streams. The in-memory log uses "<offset>-0".
type Position struct {
	Major uint64
	Minor uint64
}

// ZeroPosition precedes every real position.
var ZeroPosition = Position{}

// ParsePosition parses a position string. A bare integer is accepted as "<n>-0".
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return ZeroPosition, nil
	}
	major, minor, found := strings.Cut(s, "-")
	ma, err := strconv.ParseUint(major, 10, 64)
	if err != nil {
		return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
	}
	var mi uint64
	if found {
		mi, err = strconv.ParseUint(minor, 10, 64)
		if err != nil {
			return Position{}, fmt.Errorf("invalid position %q: %w", s, err)
		}
	}
	return Position{Major: ma, Minor: mi}, nil
}

func (p Position) String() string {
	return fmt.Sprintf("%d-%d", p.Major, p.Minor)
}

// Compare returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Major < o.Major:
		return -1
	case p.Major > o.Major:
		return 1
	case p.Minor < o.Minor:
		return -1
	case p.Minor > o.Minor:
		return 1
	}
	return 0
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p == ZeroPosition
}

// PositionAfter reports whether a is strictly after b. Unparseable positions
// are never considered after anything.
func PositionAfter(a, b string) bool {
	pa, err := ParsePosition(a)
	if err != nil {
		return false
	}
	pb, err := ParsePosition(b)
	if err != nil {
		return true
	}
	return pa.Compare(pb) > 0
}
