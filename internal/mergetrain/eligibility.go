package mergetrain

import "github.com/simplesurance/mergetrain/internal/githubclt"

// MemberSet contains the logins of team members.
type MemberSet map[string]struct{}

func NewMemberSet(members []*githubclt.TeamMember) MemberSet {
	result := make(MemberSet, len(members))

	for _, m := range members {
		if m.Login == "" {
			continue
		}

		result[m.Login] = struct{}{}
	}

	return result
}

// Contains returns true if login is a member. An empty login is never a
// member.
func (s MemberSet) Contains(login string) bool {
	if login == "" {
		return false
	}

	_, exists := s[login]
	return exists
}

// Eligible returns true if the change can be merged automatically.
// That is the case when the author is a member and the change does not have
// the excludeLabel, or when the change has the includeLabel.
func Eligible(c *Change, members MemberSet, includeLabel, excludeLabel string) bool {
	if c.HasLabel(includeLabel) {
		return true
	}

	return members.Contains(c.Author) && !c.HasLabel(excludeLabel)
}
