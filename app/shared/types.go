package shared

// PlayerID is a raw participant key exactly as it appears in tournament rows.
// Several PlayerIDs may belong to the same real person; the grouping is
// carried by account links, not by a separate identifier.
type PlayerID string

// CommunityID identifies one external group context in which roles are
// assigned. Role rules and cached assignments are scoped per community.
type CommunityID string

// AccountID is an external-system principal that can hold roles.
type AccountID string

// RoleID identifies a role in the external system.
type RoleID string

// League is a tournament league name, e.g. "Legend" or "Copper".
type League string

// RoleSet is a set of role IDs as observed on or desired for an account.
type RoleSet map[RoleID]struct{}

// NewRoleSet builds a RoleSet from the given IDs.
func NewRoleSet(ids ...RoleID) RoleSet {
	s := make(RoleSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s RoleSet) Contains(id RoleID) bool {
	_, ok := s[id]
	return ok
}

// Clone returns an independent copy of the set.
func (s RoleSet) Clone() RoleSet {
	out := make(RoleSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Equal reports whether both sets contain exactly the same IDs.
func (s RoleSet) Equal(other RoleSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Slice returns the set's IDs as a slice in unspecified order.
func (s RoleSet) Slice() []RoleID {
	out := make([]RoleID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// IDSet is a set of player identities.
type IDSet map[PlayerID]struct{}

// NewIDSet builds an IDSet from the given IDs.
func NewIDSet(ids ...PlayerID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id PlayerID) bool {
	_, ok := s[id]
	return ok
}

// ExclusionSet is a point-in-time snapshot of the three independent
// moderation sets. FoldShunned decides whether the shunned set participates
// in exclusion checks for the operation this snapshot was taken for.
type ExclusionSet struct {
	Banned      IDSet
	Suspicious  IDSet
	Shunned     IDSet
	FoldShunned bool
}

// Excludes reports whether the given identity is excluded under this
// snapshot's fold setting.
func (e ExclusionSet) Excludes(id PlayerID) bool {
	if e.Banned.Contains(id) || e.Suspicious.Contains(id) {
		return true
	}
	return e.FoldShunned && e.Shunned.Contains(id)
}
