package profile

import (
	"fmt"
	"sort"
	"strings"
)

// Requirements carries a session's profile needs, as submitted in the
// script's "session" object.
type Requirements struct {
	ProfileName           string   `json:"profile_name,omitempty"`
	RequiredTags          []string `json:"required_tags,omitempty"`
	CloneForParallel      bool     `json:"clone_for_parallel,omitempty"`
	AllowTempProfile      *bool    `json:"allow_temp_profile,omitempty"`
	RequiresHumanLogin    bool     `json:"requires_human_login,omitempty"`
	WaitForHumanLogin     bool     `json:"wait_for_human_login,omitempty"`
	PostLoginVerification string   `json:"post_login_verification,omitempty"`
}

// AllowTemp returns the effective allow_temp_profile value.
// Unset defaults to true; an explicit false is honored.
func (r Requirements) AllowTemp() bool {
	if r.AllowTempProfile == nil {
		return true
	}
	return *r.AllowTempProfile
}

// Resolved is the outcome of a resolution request: either a concrete
// profile (with the chosen clone policy) or the temporary marker.
type Resolved struct {
	Profile   *Profile
	Temporary bool
	Clone     bool
}

// Candidate describes one available profile in a NoSuitableProfile
// error, with the tags it is missing relative to the request.
type Candidate struct {
	Name        string   `json:"name"`
	MissingTags []string `json:"missing_tags"`
}

// NoSuitableProfileError reports that resolution found no match and
// temporary profiles were not permitted.
type NoSuitableProfileError struct {
	Candidates []Candidate
}

func (e *NoSuitableProfileError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, fmt.Sprintf("%s (missing: %s)", c.Name, strings.Join(c.MissingTags, ",")))
	}
	if len(names) == 0 {
		return "no suitable profile: store is empty"
	}
	return "no suitable profile: available " + strings.Join(names, "; ")
}

// Resolve selects one profile for the given requirements. The
// algorithm is deterministic given the store's state:
//
//  1. exact name match
//  2. tag-AND match, most recently used first
//  3. temporary marker (when permitted)
//  4. NoSuitableProfileError
func (s *Store) Resolve(req Requirements) (Resolved, error) {
	if req.ProfileName != "" {
		p, err := s.Get(req.ProfileName)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Profile: p, Clone: req.CloneForParallel}, nil
	}

	if len(req.RequiredTags) > 0 {
		matches := s.FindByTags(req.RequiredTags, true)
		if len(matches) > 0 {
			return Resolved{Profile: matches[0], Clone: req.CloneForParallel}, nil
		}
	}

	if req.AllowTemp() {
		return Resolved{Temporary: true}, nil
	}

	all := s.List(nil)
	candidates := make([]Candidate, 0, len(all))
	for _, p := range all {
		candidates = append(candidates, Candidate{
			Name:        p.Name,
			MissingTags: p.MissingTags(req.RequiredTags),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return Resolved{}, &NoSuitableProfileError{Candidates: candidates}
}
