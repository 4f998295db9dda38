// Copyright 2025 James Ross
package scheduler

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	bucketPausedPenalty = 1000.0
	bucketLowTokensPenalty = 200.0
)

// RepoSyncState is the scheduler's view of one repository's sync health.
type RepoSyncState struct {
	RepoID          string
	VCSType         string
	InstanceKey     string
	TenantID        string // empty string is its own bucket
	CursorUpdatedAt *int64 // unix seconds, nil means never synced
	RunCount        int
	FailedCount     int
	Hits429         int
	TotalRequests   int
	LastStatus      string
	IsQueued        bool // legacy, repo-level
}

// BucketStatus is the rate-limit posture of one upstream instance.
type BucketStatus struct {
	IsPaused             bool
	PauseRemainingSeconds float64
	CurrentTokens        float64
	Burst                float64
	Rate                 float64
}

// BudgetSnapshot is the current concurrency usage across the fleet.
type BudgetSnapshot struct {
	Running  int
	Pending  int
	Active   int
}

// Config mirrors internal/config.Scheduler, duplicated here so this package
// stays free of a config-package import (pure function core).
type Config struct {
	MaxRunning                int
	MaxQueueDepth             int
	PerInstanceConcurrency    int
	PerTenantConcurrency      int
	CursorAgeThresholdSeconds int64
	ErrorBudgetThreshold      float64
	RateLimitHitThreshold     float64
	MaxEnqueuePerScan         int
	EnableTenantFairness      bool
	TenantFairnessMaxPerRound int
	JobTypePriority           map[string]int
	MvpAllowlist              []string
	SkipOnPause               bool
}

// Candidate is one proposed (repo, job_type) enqueue, with its computed
// priority and the reasons that produced it, for observability.
type Candidate struct {
	RepoID   string
	JobType  string
	Priority float64
	Reasons  []string
}

// Inputs bundles everything the pure core needs for one scan pass.
type Inputs struct {
	Repos         []RepoSyncState
	Config        Config
	QueuedPairs   map[string]map[string]bool // repo_id -> job_type -> bool
	Budget        BudgetSnapshot
	BucketStatus  map[string]BucketStatus // instance_key -> status
	JobTypesByVCS map[string][]string     // vcs_type -> eligible job types
	Now           int64                   // unix seconds, injected for determinism
}

// Plan computes the bounded set of job candidates to enqueue this scan,
// applying scoring, bucket penalties, tenant fairness, and admission control
// in that order.
func Plan(in Inputs) []Candidate {
	if in.Budget.Running >= in.Config.MaxRunning || in.Budget.Active >= in.Config.MaxQueueDepth {
		return nil
	}

	var candidates []Candidate
	for _, repo := range in.Repos {
		failureRate := rate(repo.FailedCount, repo.RunCount)
		if failureRate >= in.Config.ErrorBudgetThreshold {
			continue // self-protecting pause
		}

		schedule, ageBonus := shouldSchedule(repo, in.Config, failureRate, in.Now)
		if !schedule {
			continue
		}

		jobTypes := in.JobTypesByVCS[repo.VCSType]
		for _, jt := range jobTypes {
			if in.QueuedPairs[repo.RepoID] != nil && in.QueuedPairs[repo.RepoID][jt] {
				continue
			}
			if len(in.Config.MvpAllowlist) > 0 && !contains(in.Config.MvpAllowlist, jt) {
				continue
			}

			rateLimitRate := rate(repo.Hits429, repo.TotalRequests)
			priority := float64(in.Config.JobTypePriority[jt])*100 + ageBonus +
				100*failureRate + 200*rateLimitRate

			var reasons []string
			if bucket, ok := in.BucketStatus[repo.InstanceKey]; ok {
				if bucket.IsPaused {
					if in.Config.SkipOnPause {
						continue
					}
					priority += bucketPausedPenalty
					reasons = append(reasons, "bucket_paused")
				} else if bucket.Burst > 0 && bucket.CurrentTokens/bucket.Burst < 0.2 {
					priority += bucketLowTokensPenalty
					reasons = append(reasons, "bucket_low_tokens")
				}
			}

			candidates = append(candidates, Candidate{
				RepoID:   repo.RepoID,
				JobType:  jt,
				Priority: priority,
				Reasons:  reasons,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })

	if in.Config.EnableTenantFairness {
		candidates = regroupByTenant(candidates, in.Repos, in.Config.TenantFairnessMaxPerRound)
	}

	return admit(candidates, in)
}

func shouldSchedule(repo RepoSyncState, cfg Config, failureRate float64, now int64) (bool, float64) {
	if repo.CursorUpdatedAt == nil {
		return true, -100
	}
	age := now - *repo.CursorUpdatedAt
	if age >= cfg.CursorAgeThresholdSeconds {
		ageHours := float64(age) / 3600
		if ageHours > 24 {
			ageHours = 24
		}
		return true, -ageHours
	}
	rlRate := rate(repo.Hits429, repo.TotalRequests)
	if rlRate >= cfg.RateLimitHitThreshold {
		return true, 50
	}
	return false, 0
}

func regroupByTenant(candidates []Candidate, repos []RepoSyncState, maxPerRound int) []Candidate {
	tenantOf := make(map[string]string)
	for _, r := range repos {
		tenantOf[r.RepoID] = r.TenantID
	}
	buckets := make(map[string][]Candidate)
	var order []string
	for _, c := range candidates {
		t := tenantOf[c.RepoID]
		if _, ok := buckets[t]; !ok {
			order = append(order, t)
		}
		buckets[t] = append(buckets[t], c)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return buckets[order[i]][0].Priority < buckets[order[j]][0].Priority
	})

	if maxPerRound <= 0 {
		maxPerRound = 1
	}
	var out []Candidate
	for {
		emittedAny := false
		for _, t := range order {
			take := maxPerRound
			if take > len(buckets[t]) {
				take = len(buckets[t])
			}
			if take == 0 {
				continue
			}
			out = append(out, buckets[t][:take]...)
			buckets[t] = buckets[t][take:]
			emittedAny = true
		}
		if !emittedAny {
			break
		}
	}
	return out
}

func admit(candidates []Candidate, in Inputs) []Candidate {
	remainingDepth := in.Config.MaxQueueDepth - in.Budget.Active
	limit := in.Config.MaxEnqueuePerScan
	if remainingDepth < limit {
		limit = remainingDepth
	}
	if limit < 0 {
		limit = 0
	}

	instanceCounts := make(map[string]int)
	tenantCounts := make(map[string]int)
	instanceOf := make(map[string]string)
	tenantOf := make(map[string]string)
	for _, r := range in.Repos {
		instanceOf[r.RepoID] = r.InstanceKey
		tenantOf[r.RepoID] = r.TenantID
	}

	var out []Candidate
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		inst := instanceOf[c.RepoID]
		tenant := tenantOf[c.RepoID]
		if instanceCounts[inst] >= in.Config.PerInstanceConcurrency {
			continue
		}
		if tenantCounts[tenant] >= in.Config.PerTenantConcurrency {
			continue
		}
		instanceCounts[inst]++
		tenantCounts[tenant]++
		out = append(out, c)
	}
	return out
}

func rate(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator)
}

// contains reports whether v matches any pattern in list, where each
// pattern may be a literal job type or a doublestar glob (e.g. "gitlab_*").
func contains(list []string, v string) bool {
	for _, pattern := range list {
		if pattern == v {
			return true
		}
		if ok, err := doublestar.Match(pattern, v); err == nil && ok {
			return true
		}
	}
	return false
}
