package models

import "slices"

// AuthenticationSet is the ordered list of key-list indices that may
// authenticate. It is kept in step with the key list's grant and revoke calls.
type AuthenticationSet []uint32

// Add appends index.
func (s *AuthenticationSet) Add(index int) {
	*s = append(*s, uint32(index))
}

// Remove drops index by value. It reports whether the index was present.
func (s *AuthenticationSet) Remove(index int) bool {
	i := slices.Index(*s, uint32(index))
	if i < 0 {
		return false
	}
	*s = slices.Delete(*s, i, i+1)
	return true
}

func (s AuthenticationSet) Contains(index int) bool {
	return slices.Contains(s, uint32(index))
}

func (s AuthenticationSet) Clone() AuthenticationSet {
	return slices.Clone(s)
}
