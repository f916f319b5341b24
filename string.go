package utils

import (
	"crypto/rand"
	"math/big"
	"sort"
)

const alphaLowers = "abcdefghijklmnopqrstuvwxyz"

// RandomAlphaString returns a random lowercase alphabetic string of the given size.
func RandomAlphaString(size int) string {
	if size <= 0 {
		return ""
	}
	max := big.NewInt(int64(len(alphaLowers)))
	chars := make([]byte, size)
	for i := range chars {
		val, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		chars[i] = alphaLowers[val.Int64()]
	}
	return string(chars)
}

// StringSet represents a mathematical set of string.
type StringSet map[string]struct{}

// NewStringSet returns a new string set from the given series of values
// where duplicates are okay.
func NewStringSet(values ...string) StringSet {
	set := make(StringSet, len(values))
	for _, val := range values {
		set[val] = struct{}{}
	}
	return set
}

// Add adds a value to the set.
func (ss StringSet) Add(value string) {
	ss[value] = struct{}{}
}

// Remove removes a value from the set.
func (ss StringSet) Remove(value string) {
	delete(ss, value)
}

// Contains reports whether the value is in the set.
func (ss StringSet) Contains(value string) bool {
	_, ok := ss[value]
	return ok
}

// ToList returns the sorted members of the set.
func (ss StringSet) ToList() []string {
	list := make([]string, 0, len(ss))
	for val := range ss {
		list = append(list, val)
	}
	sort.Strings(list)
	return list
}
