package git

import "fmt"

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
}

func (s *Signature) String() string {
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// Env returns the environment variables that make git use the signature as
// author and committer.
func (s *Signature) Env() []string {
	return []string{
		"GIT_AUTHOR_NAME=" + s.Name,
		"GIT_AUTHOR_EMAIL=" + s.Email,
		"GIT_COMMITTER_NAME=" + s.Name,
		"GIT_COMMITTER_EMAIL=" + s.Email,
	}
}
