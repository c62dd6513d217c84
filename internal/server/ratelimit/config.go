package ratelimit

import "time"

// Scope defines how rate limit keys are determined.
type Scope int

const (
	// ScopeIP uses the client IP address as the key.
	ScopeIP Scope = iota
	// ScopeTable uses the target table id as the key.
	ScopeTable
)

// Tier is a named budget shared by the routes it is attached to.
type Tier struct {
	Name    string
	Limiter *Limiter
	Scope   Scope
}

// Key returns the bucket key of identifier in this tier.
func (t *Tier) Key(identifier string) string {
	return BuildKey(t.Scope, identifier, t.Name)
}

// Limits are requests per minute for each tier. 0 disables the tier.
type Limits struct {
	CreatePerMin   int
	RetrievePerMin int
	IngestPerMin   int
}

// Tiers holds the limiters of every rate limited route. A nil tier means
// unlimited.
type Tiers struct {
	Create   *Tier
	Retrieve *Tier
	Ingest   *Tier
}

// NewTiers creates the tiers for l:
//   - create: per IP, no burst beyond the per-minute budget
//   - retrieve: per IP, shared by retrieve, retrieveStream and export
//   - ingest: per table id, so one noisy table cannot starve the others.
func NewTiers(l Limits) *Tiers {
	return &Tiers{
		Create:   newTier("create", ScopeIP, l.CreatePerMin),
		Retrieve: newTier("retrieve", ScopeIP, l.RetrievePerMin),
		Ingest:   newTier("ingest", ScopeTable, l.IngestPerMin),
	}
}

func newTier(name string, scope Scope, perMin int) *Tier {
	if perMin <= 0 {
		return nil
	}
	return &Tier{Name: name, Scope: scope, Limiter: NewLimiter(perMin, time.Minute, perMin)}
}

// Close stops all limiter cleanup goroutines.
func (t *Tiers) Close() {
	for _, tier := range []*Tier{t.Create, t.Retrieve, t.Ingest} {
		if tier != nil {
			tier.Limiter.Close()
		}
	}
}
