package domain

import (
	"fmt"
	"strings"
)

// Rating is a Moody's-style credit rating notch.
type Rating string

const (
	RatingAaa  Rating = "Aaa"
	RatingAa1  Rating = "Aa1"
	RatingAa2  Rating = "Aa2"
	RatingAa3  Rating = "Aa3"
	RatingA1   Rating = "A1"
	RatingA2   Rating = "A2"
	RatingA3   Rating = "A3"
	RatingBaa1 Rating = "Baa1"
	RatingBaa2 Rating = "Baa2"
	RatingBaa3 Rating = "Baa3"
	RatingBa1  Rating = "Ba1"
	RatingBa2  Rating = "Ba2"
	RatingBa3  Rating = "Ba3"
	RatingB1   Rating = "B1"
	RatingB2   Rating = "B2"
	RatingB3   Rating = "B3"
	RatingCaa1 Rating = "Caa1"
	RatingCaa2 Rating = "Caa2"
	RatingCaa3 Rating = "Caa3"
	RatingCa   Rating = "Ca"
	// RatingD marks a defaulted obligor. Absorbing in migration.
	RatingD Rating = "D"
	// RatingNR marks an unrated position.
	RatingNR Rating = "NR"
)

// RatingScale lists live notches best to worst, excluding D and NR.
// Index into this slice is the canonical rating ordinal used by the
// migration simulator's transition rows.
var RatingScale = []Rating{
	RatingAaa, RatingAa1, RatingAa2, RatingAa3,
	RatingA1, RatingA2, RatingA3,
	RatingBaa1, RatingBaa2, RatingBaa3,
	RatingBa1, RatingBa2, RatingBa3,
	RatingB1, RatingB2, RatingB3,
	RatingCaa1, RatingCaa2, RatingCaa3,
	RatingCa,
}

// ratingFactors maps each notch to its weighted-average rating factor.
var ratingFactors = map[Rating]float64{
	RatingAaa:  1,
	RatingAa1:  10,
	RatingAa2:  20,
	RatingAa3:  40,
	RatingA1:   70,
	RatingA2:   120,
	RatingA3:   180,
	RatingBaa1: 260,
	RatingBaa2: 360,
	RatingBaa3: 610,
	RatingBa1:  940,
	RatingBa2:  1350,
	RatingBa3:  1766,
	RatingB1:   2220,
	RatingB2:   2720,
	RatingB3:   3490,
	RatingCaa1: 4770,
	RatingCaa2: 6500,
	RatingCaa3: 8070,
	RatingCa:   10000,
	RatingD:    10000,
	RatingNR:   10000, // unrated treated as worst case
}

// Factor returns the WARF factor for a rating notch. Unknown notches
// fall back to the worst-case factor, matching the NR treatment.
func (r Rating) Factor() float64 {
	if f, ok := ratingFactors[r]; ok {
		return f
	}
	return 10000
}

// Ordinal returns the position of a live rating on RatingScale, or -1
// for D/NR/unknown.
func (r Rating) Ordinal() int {
	for i, notch := range RatingScale {
		if notch == r {
			return i
		}
	}
	return -1
}

// ParseRating maps a rating string to a known notch, case-insensitively.
// An empty string parses as NR.
func ParseRating(s string) (Rating, error) {
	if s == "" {
		return RatingNR, nil
	}
	for _, r := range RatingScale {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	switch {
	case strings.EqualFold(s, string(RatingD)):
		return RatingD, nil
	case strings.EqualFold(s, string(RatingNR)):
		return RatingNR, nil
	}
	return "", fmt.Errorf("domain: unknown rating %q", s)
}

// IsDefault reports whether the rating is the defaulted state.
func (r Rating) IsDefault() bool {
	return r == RatingD
}

// IsCaaOrBelow reports whether the rating falls in the Caa1-Ca bucket,
// the bucket most concentration tests care about.
func (r Rating) IsCaaOrBelow() bool {
	switch r {
	case RatingCaa1, RatingCaa2, RatingCaa3, RatingCa:
		return true
	}
	return false
}
