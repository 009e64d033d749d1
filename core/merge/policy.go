package merge

import "fmt"

// ResolutionPolicy decides which side wins a genuine field conflict, where
// base, local, and remote all disagree. The three no-conflict cases are
// policy-independent.
type ResolutionPolicy int

const (
	// PolicyPreferLocal keeps the local value. The default: the user is
	// looking at the local copy.
	PolicyPreferLocal ResolutionPolicy = iota

	// PolicyPreferRemote keeps the remote value.
	PolicyPreferRemote

	// PolicyNewestWins keeps the side whose entity was updated last.
	PolicyNewestWins
)

var policyNames = map[ResolutionPolicy]string{
	PolicyPreferLocal:  "prefer_local",
	PolicyPreferRemote: "prefer_remote",
	PolicyNewestWins:   "newest_wins",
}

func (p ResolutionPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy maps a config string to a ResolutionPolicy.
func ParsePolicy(s string) (ResolutionPolicy, error) {
	for policy, name := range policyNames {
		if name == s {
			return policy, nil
		}
	}
	return PolicyPreferLocal, fmt.Errorf("unknown resolution policy %q", s)
}
