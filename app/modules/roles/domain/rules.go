package rolesdomain

import (
	"sort"
	"strings"

	"github.com/tourneykit/rankbot/app/shared"
)

// Method selects how a rule matches aggregated stats.
type Method string

const (
	// MethodChampion matches on the placement in the most recent tournament,
	// and only when that tournament ran in the top league of the hierarchy.
	MethodChampion Method = "Champion"
	// MethodPlacement matches on the best position ever achieved in a league.
	MethodPlacement Method = "Placement"
	// MethodWave matches on the best wave ever reached in a league.
	MethodWave Method = "Wave"
)

// Rule is one role criterion. Rules are evaluated Champion first, then
// Placement, then Wave, so a one-off podium finish outranks a grind record.
type Rule struct {
	ID        shared.RoleID
	Name      string
	Method    Method
	Threshold int
	// League scopes Placement and Wave rules. A Placement rule with an empty
	// League and a "Top"-prefixed name binds to the top league.
	League shared.League
}

// LeagueStats is an account's best-ever results within one league, aggregated
// across every linked game identity.
type LeagueStats struct {
	// BestPosition is the lowest positive position achieved; 0 when the
	// account has no ranked result in the league.
	BestPosition int
	// BestWave is the highest wave reached.
	BestWave int
}

// AggregatedStats is the full input to role determination for one account.
type AggregatedStats struct {
	// LatestLeague and LatestPlacement describe the most recent tournament
	// any linked identity played in. LatestPlacement 0 or below means no
	// ranked result (excluded rows carry -1).
	LatestLeague    shared.League
	LatestPlacement int
	PerLeague       map[shared.League]LeagueStats
}

// DetermineRole picks the single best role an account qualifies for, or
// reports that it qualifies for none.
func DetermineRole(stats AggregatedStats, rules []Rule, hierarchy []shared.League) (shared.RoleID, bool) {
	var top shared.League
	if len(hierarchy) > 0 {
		top = hierarchy[0]
	}

	if id, ok := matchChampion(stats, rules, top); ok {
		return id, true
	}
	if id, ok := matchPlacement(stats, rules, hierarchy, top); ok {
		return id, true
	}
	if id, ok := matchWave(stats, rules, hierarchy); ok {
		return id, true
	}
	return "", false
}

// matchChampion applies Champion rules. They only fire when the latest
// tournament ran in the top league; a hierarchy without a top league can
// never produce a champion.
func matchChampion(stats AggregatedStats, rules []Rule, top shared.League) (shared.RoleID, bool) {
	if top == "" || stats.LatestLeague != top || stats.LatestPlacement < 1 {
		return "", false
	}

	champs := byMethod(rules, MethodChampion)
	sort.SliceStable(champs, func(i, j int) bool { return champs[i].Threshold < champs[j].Threshold })

	for _, r := range champs {
		if stats.LatestPlacement <= r.Threshold {
			return r.ID, true
		}
	}
	return "", false
}

// matchPlacement applies Placement rules league by league in hierarchy order,
// tightest threshold first inside each league.
func matchPlacement(stats AggregatedStats, rules []Rule, hierarchy []shared.League, top shared.League) (shared.RoleID, bool) {
	byLeague := make(map[shared.League][]Rule)
	for _, r := range byMethod(rules, MethodPlacement) {
		league := r.League
		if league == "" && strings.HasPrefix(r.Name, "Top") {
			league = top
		}
		if league == "" {
			continue
		}
		byLeague[league] = append(byLeague[league], r)
	}

	for _, league := range hierarchy {
		leagueRules := byLeague[league]
		if len(leagueRules) == 0 {
			continue
		}
		ls, ok := stats.PerLeague[league]
		if !ok || ls.BestPosition < 1 {
			continue
		}

		sort.SliceStable(leagueRules, func(i, j int) bool { return leagueRules[i].Threshold < leagueRules[j].Threshold })
		for _, r := range leagueRules {
			if ls.BestPosition <= r.Threshold {
				return r.ID, true
			}
		}
	}
	return "", false
}

// matchWave applies Wave rules league by league in hierarchy order, highest
// threshold first inside each league.
func matchWave(stats AggregatedStats, rules []Rule, hierarchy []shared.League) (shared.RoleID, bool) {
	byLeague := make(map[shared.League][]Rule)
	for _, r := range byMethod(rules, MethodWave) {
		if r.League == "" {
			continue
		}
		byLeague[r.League] = append(byLeague[r.League], r)
	}

	for _, league := range hierarchy {
		leagueRules := byLeague[league]
		if len(leagueRules) == 0 {
			continue
		}
		ls, ok := stats.PerLeague[league]
		if !ok {
			continue
		}

		sort.SliceStable(leagueRules, func(i, j int) bool { return leagueRules[i].Threshold > leagueRules[j].Threshold })
		for _, r := range leagueRules {
			if ls.BestWave >= r.Threshold {
				return r.ID, true
			}
		}
	}
	return "", false
}

func byMethod(rules []Rule, method Method) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}
