package engine

import "sort"

// IsEmpty reports whether the selector places no constraints.
func (s RosterSelector) IsEmpty() bool {
	return len(s.Traits) == 0 && len(s.AnyTraits) == 0 && s.RosterType == ""
}

// Matches reports whether the roster satisfies the selector.
// An empty selector matches every roster.
func (s RosterSelector) Matches(r *Roster) bool {
	if r == nil {
		return false
	}
	if s.RosterType != "" && s.RosterType != r.Type {
		return false
	}
	for _, t := range s.Traits {
		if !r.HasTrait(t) {
			return false
		}
	}
	if len(s.AnyTraits) > 0 {
		for _, t := range s.AnyTraits {
			if r.HasTrait(t) {
				return true
			}
		}
		return false
	}
	return true
}

// SelectRosters returns the rosters matched by the duty's selector, ordered by name.
func SelectRosters(duty *Duty, rosters []*Roster) []*Roster {
	matched := make([]*Roster, 0, len(rosters))
	for _, r := range rosters {
		if duty.Selector.Matches(r) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched
}

// DutiesByRoster groups duties under every roster their selector matches.
// Rosters no duty targets are omitted.
func DutiesByRoster(duties []*Duty, rosters []*Roster) map[string][]*Duty {
	grouped := make(map[string][]*Duty)
	for _, d := range duties {
		for _, r := range SelectRosters(d, rosters) {
			grouped[r.Name] = append(grouped[r.Name], d)
		}
	}
	return grouped
}
