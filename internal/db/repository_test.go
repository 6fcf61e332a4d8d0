package db

import (
	"strings"
	"testing"
	"time"
)

// The claim query is the one piece of SQL whose shape carries queue
// semantics: every status a row can be claimed from, and the guard that
// keeps two workers off the same row. Pin it here so a rewrite cannot
// silently drop a branch.
func TestClaimJobQuery_CoversRunnableStates(t *testing.T) {
	mustContain := []string{
		// fresh and retry-scheduled work
		`status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW())`,
		// abandoned claims from crashed workers
		`status = 'processing' AND updated_at < NOW() - $2::interval`,
		// concurrent workers never double-claim
		`FOR UPDATE SKIP LOCKED`,
		`ORDER BY created_at ASC`,
	}
	for _, clause := range mustContain {
		if !strings.Contains(claimJobQuery, clause) {
			t.Errorf("claim query lost clause %q", clause)
		}
	}
}

func TestStaleClaimWindow(t *testing.T) {
	// Must comfortably exceed the longest single job (a batch of sends
	// against a 30s HTTP timeout each is bounded by the rate limiter),
	// while keeping crashed workers' jobs from stalling for long.
	if staleClaimAfter < time.Minute {
		t.Errorf("stale claim window %v would reclaim jobs still being worked", staleClaimAfter)
	}
	if staleClaimAfter > 30*time.Minute {
		t.Errorf("stale claim window %v strands crashed workers' jobs too long", staleClaimAfter)
	}
}
