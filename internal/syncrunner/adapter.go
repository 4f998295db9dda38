// Copyright 2025 James Ross
package syncrunner

import "context"

// AdapterStats is the outbound-call stats surface every adapter exposes so
// the runner can feed the degradation controller and circuit breaker.
type AdapterStats struct {
	TotalRequests int
	Total429Hits  int
	TimeoutCount  int
	LastRetryAfter *float64 // seconds, nil if none observed
}

// Adapter is the runner's outbound dependency for one SCM backend (GitLab,
// SVN, ...). Concrete adapters live outside this module; FakeAdapter stands
// in for tests.
type Adapter interface {
	FetchCommits(ctx context.Context, cursor string, window FetchWindow, batchSize int) (Page, error)
	FetchMergeRequests(ctx context.Context, cursor string, window FetchWindow, batchSize int) (Page, error)
	FetchReviews(ctx context.Context, mrID string) ([]map[string]interface{}, error)
	Stats() AdapterStats
	NotifyRateLimit(retryAfterSeconds *float64, resetUnix *int64)
}

// FakeAdapter is a deterministic in-memory Adapter for tests: it replays a
// fixed sequence of pages and records notifications it receives.
type FakeAdapter struct {
	CommitPages  []Page
	MRPages      []Page
	Reviews      map[string][]map[string]interface{}
	ErrorOn      map[string]error // cursor -> error to return instead of a page
	commitCall   int
	mrCall       int
	stats        AdapterStats
	Notifications []RateLimitNotification
}

// RateLimitNotification records one call to NotifyRateLimit, for assertions.
type RateLimitNotification struct {
	RetryAfterSeconds *float64
	ResetUnix         *int64
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		Reviews: make(map[string][]map[string]interface{}),
		ErrorOn: make(map[string]error),
	}
}

func (f *FakeAdapter) FetchCommits(ctx context.Context, cursor string, window FetchWindow, batchSize int) (Page, error) {
	f.stats.TotalRequests++
	if err, ok := f.ErrorOn[cursor]; ok {
		return Page{}, err
	}
	if f.commitCall >= len(f.CommitPages) {
		return Page{HasMore: false}, nil
	}
	p := f.CommitPages[f.commitCall]
	f.commitCall++
	return p, nil
}

func (f *FakeAdapter) FetchMergeRequests(ctx context.Context, cursor string, window FetchWindow, batchSize int) (Page, error) {
	f.stats.TotalRequests++
	if err, ok := f.ErrorOn[cursor]; ok {
		return Page{}, err
	}
	if f.mrCall >= len(f.MRPages) {
		return Page{HasMore: false}, nil
	}
	p := f.MRPages[f.mrCall]
	f.mrCall++
	return p, nil
}

func (f *FakeAdapter) FetchReviews(ctx context.Context, mrID string) ([]map[string]interface{}, error) {
	f.stats.TotalRequests++
	return f.Reviews[mrID], nil
}

func (f *FakeAdapter) Stats() AdapterStats {
	return f.stats
}

func (f *FakeAdapter) NotifyRateLimit(retryAfterSeconds *float64, resetUnix *int64) {
	f.stats.Total429Hits++
	f.Notifications = append(f.Notifications, RateLimitNotification{RetryAfterSeconds: retryAfterSeconds, ResetUnix: resetUnix})
}
