package sequence

import (
	"crypto/sha256"
	"encoding/binary"
)

// AssignVariant deterministically buckets a lead into one weighted A/B test
// arm. The bucket is derived from SHA-256(leadID+testID): the first 8 bytes
// are normalized to [0,1) and mapped onto the cumulative weight intervals.
// Identical inputs always return the identical variant; there is no state.
func AssignVariant(leadID, testID string, variants []Variant) (string, error) {
	var total float64
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}
	if total <= 0 {
		return "", ErrNoVariants
	}

	hash := sha256.Sum256([]byte(leadID + testID))
	bucket := float64(binary.BigEndian.Uint64(hash[:8])) / float64(1<<64)
	target := bucket * total

	var cumulative float64
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		cumulative += v.Weight
		if target < cumulative {
			return v.ID, nil
		}
	}
	// Floating point edge: target == total lands on the last positive arm.
	for i := len(variants) - 1; i >= 0; i-- {
		if variants[i].Weight > 0 {
			return variants[i].ID, nil
		}
	}
	return "", ErrNoVariants
}
