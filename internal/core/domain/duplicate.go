package domain

// PotentialDuplicatePair flags two entities as possibly the same real-world
// subject. Pairs are stored normalized (lexicographically ordered guids) so
// the flag is symmetric by construction: flagging (A,B) makes B discoverable
// as a duplicate of A and vice versa.
type PotentialDuplicatePair struct {
	EntityGuid    string `json:"entityGuid"`
	DuplicateGuid string `json:"duplicateGuid"`
}

// Normalize orders the pair lexicographically.
func (p PotentialDuplicatePair) Normalize() PotentialDuplicatePair {
	if p.DuplicateGuid < p.EntityGuid {
		p.EntityGuid, p.DuplicateGuid = p.DuplicateGuid, p.EntityGuid
	}
	return p
}

// Involves reports whether guid is one side of the pair.
func (p PotentialDuplicatePair) Involves(guid string) bool {
	return p.EntityGuid == guid || p.DuplicateGuid == guid
}

// Other returns the opposite side of the pair relative to guid.
func (p PotentialDuplicatePair) Other(guid string) string {
	if p.EntityGuid == guid {
		return p.DuplicateGuid
	}
	return p.EntityGuid
}
