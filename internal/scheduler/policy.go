// Copyright 2025 James Ross
package scheduler

// JobTypesForVCS returns the default per-VCS job type catalog, used to seed
// Inputs.JobTypesByVCS when the caller has no override.
func JobTypesForVCS() map[string][]string {
	return map[string][]string{
		"git": {"gitlab_commits", "gitlab_mrs", "gitlab_reviews"},
		"svn": {"svn"},
	}
}
