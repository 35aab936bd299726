package generic

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// WorkerKey is the comparison key for a worker name: surrounding whitespace
// dropped, Unicode case-folded. "Mario", " MARIO " and "mario" share a key.
func WorkerKey(name string) string {
	// A Caser keeps state and is not safe for concurrent use.
	return cases.Fold().String(strings.TrimSpace(name))
}

// SameWorker reports whether two names refer to the same worker.
func SameWorker(a, b string) bool { return WorkerKey(a) == WorkerKey(b) }

// LockKey is the lock name serializing writes to one worker's records.
func LockKey(org OrganizationID, worker string) string {
	return "subsidia:lock:" + string(org) + ":" + WorkerKey(worker)
}

var organizationPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,48}$`)

// ParseOrganizationID checks an organization id. Ids become database file
// and database names, so only a safe alphabet is accepted.
func ParseOrganizationID(s string) (OrganizationID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrOrganizationRequired
	}
	if !organizationPattern.MatchString(s) {
		return "", ErrInvalidOrganization
	}
	return OrganizationID(s), nil
}

// ContainsFold reports whether substr occurs in s, ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(WorkerKey(s), WorkerKey(substr))
}
