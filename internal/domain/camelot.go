package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// CamelotKey is a position on the Camelot wheel. Minor keys carry the A
// suffix, major keys the B suffix.
type CamelotKey struct {
	Position int
	Minor    bool
}

func (k CamelotKey) String() string {
	suffix := "B"
	if k.Minor {
		suffix = "A"
	}
	return fmt.Sprintf("%d%s", k.Position, suffix)
}

// minorPositions maps normalized minor-key pitches to wheel positions.
var minorPositions = map[string]int{
	"G#": 1, "D#": 2, "A#": 3, "F": 4, "C": 5, "G": 6,
	"D": 7, "A": 8, "E": 9, "B": 10, "F#": 11, "C#": 12,
}

// majorPositions maps normalized major-key pitches to wheel positions.
var majorPositions = map[string]int{
	"B": 1, "F#": 2, "C#": 3, "G#": 4, "D#": 5, "A#": 6,
	"F": 7, "C": 8, "G": 9, "D": 10, "A": 11, "E": 12,
}

// flats folds flat spellings onto the sharp spellings used by the tables.
var flats = map[string]string{
	"DB": "C#", "EB": "D#", "GB": "F#", "AB": "G#", "BB": "A#", "CB": "B", "FB": "E",
}

// ParseKey parses a musical key in either Camelot notation ("8A", "04b") or
// conventional notation ("Am", "F#m", "Db maj", "C minor"). Peer metadata is
// messy, so parsing is forgiving about case and spacing.
func ParseKey(raw string) (CamelotKey, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return CamelotKey{}, fmt.Errorf("empty key")
	}

	// Camelot notation first: digits followed by A or B.
	if n := len(s); n >= 2 {
		suffix := s[n-1]
		if suffix == 'A' || suffix == 'B' {
			if pos, err := strconv.Atoi(s[:n-1]); err == nil {
				if pos < 1 || pos > 12 {
					return CamelotKey{}, fmt.Errorf("camelot position out of range: %q", raw)
				}
				return CamelotKey{Position: pos, Minor: suffix == 'A'}, nil
			}
		}
	}

	s = strings.ReplaceAll(s, " ", "")
	pitch := s[:1]
	rest := s[1:]
	if strings.HasPrefix(rest, "#") {
		pitch += "#"
		rest = rest[1:]
	} else if strings.HasPrefix(rest, "B") && isModeSuffix(rest[1:]) {
		// "Ab", "Dbm": a B here is a flat sign, not the pitch B.
		pitch += "B"
		rest = rest[1:]
	}
	if folded, ok := flats[pitch]; ok {
		pitch = folded
	}

	minor, err := parseMode(rest)
	if err != nil {
		return CamelotKey{}, fmt.Errorf("unrecognized key %q", raw)
	}
	table := majorPositions
	if minor {
		table = minorPositions
	}
	pos, ok := table[pitch]
	if !ok {
		return CamelotKey{}, fmt.Errorf("unrecognized key %q", raw)
	}
	return CamelotKey{Position: pos, Minor: minor}, nil
}

func isModeSuffix(s string) bool {
	switch s {
	case "", "M", "MI", "MIN", "MINOR", "MAJ", "MAJOR":
		return true
	}
	return false
}

func parseMode(s string) (minor bool, err error) {
	switch s {
	case "", "MAJ", "MAJOR":
		return false, nil
	case "M", "MI", "MIN", "MINOR":
		return true, nil
	}
	return false, fmt.Errorf("unknown mode %q", s)
}

// HarmonicallyCompatible reports whether two keys mix cleanly: the same
// position, the relative major/minor, or one step around the wheel in the
// same mode.
func HarmonicallyCompatible(a, b CamelotKey) bool {
	if a.Position == b.Position {
		return true
	}
	if a.Minor != b.Minor {
		return false
	}
	diff := a.Position - b.Position
	if diff < 0 {
		diff = -diff
	}
	return diff == 1 || diff == 11
}
