package helpers

import "golang.org/x/exp/slices"

// IfElse returns valueIfTrue or valueIfFalse depending on isTrue.
func IfElse[V any](isTrue bool, valueIfTrue, valueIfFalse V) V {
	if isTrue {
		return valueIfTrue
	}
	return valueIfFalse
}

// SliceContains returns true if and only if the slice has an element that equals the value.
func SliceContains[V comparable](value V, slice []V) bool {
	for _, element := range slice {
		if element == value {
			return true
		}
	}
	return false
}

// CopyOf returns a copy of a slice, so that modifying either one does not affect the other.
func CopyOf[V any](slice []V) []V {
	return append([]V(nil), slice...)
}

// Sorted returns a sorted copy of a slice, leaving the original unchanged.
func Sorted[V ~string](slice []V) []V {
	ret := CopyOf(slice)
	slices.Sort(ret)
	return ret
}
