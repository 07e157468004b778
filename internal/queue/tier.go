package queue

import (
	"time"

	"github.com/livematch/quickmatch/internal/match"
)

// Tier is a compatibility level. Entries that have waited longer are paired
// under looser tiers.
type Tier string

const (
	TierStrict Tier = "strict" // same locale and region when both are set
	TierLocale Tier = "locale" // same locale when both are set
	TierOpen   Tier = "open"   // gender/want only
)

const (
	strictMaxWait = 10 * time.Second
	localeMaxWait = 20 * time.Second
)

// TierFor returns the loosest tier an entry that has waited d may use.
func TierFor(d time.Duration) Tier {
	switch {
	case d < strictMaxWait:
		return TierStrict
	case d < localeMaxWait:
		return TierLocale
	default:
		return TierOpen
	}
}

// Compatible reports whether a and b may be paired under tier. Mutual
// gender/want acceptance is required at every tier.
func Compatible(a, b match.Preferences, tier Tier) bool {
	if !match.MutuallyCompatible(a, b) {
		return false
	}
	switch tier {
	case TierStrict:
		return sameHint(a.Locale, b.Locale) && sameHint(a.Region, b.Region)
	case TierLocale:
		return sameHint(a.Locale, b.Locale)
	default:
		return true
	}
}

// sameHint treats an unset hint as a wildcard.
func sameHint(a, b string) bool {
	return a == "" || b == "" || a == b
}

// FindPartner scans candidates in order for the first entry other than
// self that is compatible under the tier self has earned by now.
// It returns the candidate index, or -1.
func FindPartner(self Ranked, candidates []Ranked, now time.Time) (int, Tier) {
	tier := TierFor(now.Sub(self.Entry.CreatedAt))
	for i, c := range candidates {
		if c.Entry.UserID == self.Entry.UserID {
			continue
		}
		if Compatible(self.Entry.Prefs, c.Entry.Prefs, tier) {
			return i, tier
		}
	}
	return -1, tier
}
