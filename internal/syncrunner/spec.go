// Copyright 2025 James Ross
package syncrunner

import (
	"fmt"
	"strings"
)

// RepoSpec identifies one SCM repository by VCS type and opaque ID, in the
// "<type>:<id>" CLI argument format (e.g. "gitlab:123", "svn:trunk-repo").
type RepoSpec struct {
	VCSType string
	RepoID  string
}

var validVCSTypes = map[string]bool{"gitlab": true, "svn": true}

// ParseRepoSpec parses "<type>:<id>", case-insensitive on type.
func ParseRepoSpec(raw string) (RepoSpec, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoSpec{}, fmt.Errorf("syncrunner: invalid repo spec %q, want <type>:<id>", raw)
	}
	vcsType := strings.ToLower(parts[0])
	if !validVCSTypes[vcsType] {
		return RepoSpec{}, fmt.Errorf("syncrunner: unknown vcs type %q in repo spec %q", parts[0], raw)
	}
	return RepoSpec{VCSType: vcsType, RepoID: parts[1]}, nil
}

// JobSpec identifies one sync job type for a repo, in the "<type>:<id>"
// format where type is one of commits, mrs, reviews.
type JobSpec struct {
	Kind   string
	RepoID string
}

var validJobKinds = map[string]bool{"commits": true, "mrs": true, "reviews": true}

// ParseJobSpec parses "<kind>:<id>", case-insensitive on kind.
func ParseJobSpec(raw string) (JobSpec, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return JobSpec{}, fmt.Errorf("syncrunner: invalid job spec %q, want <kind>:<id>", raw)
	}
	kind := strings.ToLower(parts[0])
	if !validJobKinds[kind] {
		return JobSpec{}, fmt.Errorf("syncrunner: unknown job kind %q in job spec %q", parts[0], raw)
	}
	return JobSpec{Kind: kind, RepoID: parts[1]}, nil
}
