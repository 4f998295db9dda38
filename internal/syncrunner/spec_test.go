// Copyright 2025 James Ross
package syncrunner

import "testing"

func TestParseRepoSpec(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
		want    RepoSpec
	}{
		{"gitlab:123", false, RepoSpec{VCSType: "gitlab", RepoID: "123"}},
		{"SVN:trunk-repo", false, RepoSpec{VCSType: "svn", RepoID: "trunk-repo"}},
		{"hg:1", true, RepoSpec{}},
		{"gitlab", true, RepoSpec{}},
		{"gitlab:", true, RepoSpec{}},
	}
	for _, c := range cases {
		got, err := ParseRepoSpec(c.raw)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseRepoSpec(%q): expected error, got none", c.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoSpec(%q): unexpected error: %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseRepoSpec(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

func TestParseJobSpec(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
		want    JobSpec
	}{
		{"commits:456", false, JobSpec{Kind: "commits", RepoID: "456"}},
		{"MRS:456", false, JobSpec{Kind: "mrs", RepoID: "456"}},
		{"reviews:789", false, JobSpec{Kind: "reviews", RepoID: "789"}},
		{"bogus:1", true, JobSpec{}},
		{"commits", true, JobSpec{}},
	}
	for _, c := range cases {
		got, err := ParseJobSpec(c.raw)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseJobSpec(%q): expected error, got none", c.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseJobSpec(%q): unexpected error: %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseJobSpec(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}
