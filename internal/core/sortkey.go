package core

import (
	"fmt"
	"math"
)

// Sort keys are fractional indexes over the lowercase alphabet: reordering
// an assignment only ever rewrites that one row's key, never its neighbors'.
const (
	sortKeyMin = 'a'
	sortKeyMax = 'z'
)

// KeyBetween generates a key that sorts lexicographically strictly between
// before and after. Empty strings stand for the respective boundary, so
// KeyBetween("", "") seeds an empty list.
func KeyBetween(before, after string) (string, error) {
	if before != "" && after != "" && before >= after {
		return "", fmt.Errorf("sort key %q must precede %q", before, after)
	}

	if before == "" && after == "" {
		return string(rune((sortKeyMin + sortKeyMax + 1) / 2)), nil
	}

	i := 0
	for i < len(before) && i < len(after) && before[i] == after[i] {
		i++
	}
	prefix := before[:i]

	c1 := int(sortKeyMin) - 1
	if i < len(before) {
		c1 = int(before[i])
	}
	c2 := int(sortKeyMax) + 1
	if i < len(after) {
		c2 = int(after[i])
	}

	if c1+1 == c2 {
		// Adjacent characters leave no room at this depth; extend before.
		var rest string
		if i+1 <= len(before) {
			rest = before[i+1:]
		}
		suffix, err := KeyBetween(rest, "")
		if err != nil {
			return "", err
		}
		return before + suffix, nil
	}

	mid := int(math.Round(float64(c1+c2) / 2))
	return prefix + string(rune(mid)), nil
}
