package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rules(domains ...string) []Rule {
	out := make([]Rule, len(domains))
	for i, d := range domains {
		out[i] = Rule{Domain: d}
	}
	return out
}

func TestResolve_SpecificityBeatsList(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	// given - a narrow allow carved into a broad block
	dec := Resolve("a.b.com", rules("b.com"), rules("a.b.com"), now)
	a.Equal(Allow, dec.Action)

	// when the lists swap, the narrow block wins
	dec = Resolve("a.b.com", rules("a.b.com"), rules("b.com"), now)
	a.Equal(Block, dec.Action)
}

func TestResolve_TieFavorsAllow(t *testing.T) {
	a := assert.New(t)

	// equal specificity with both present resolves to Allow - ties favor
	// the existing grant
	dec := Resolve("x.com", rules("x.com"), rules("x.com"), time.Now())
	a.Equal(Allow, dec.Action)
}

func TestResolve_SingleList(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	dec := Resolve("x.com", nil, rules("x.com"), now)
	a.Equal(Allow, dec.Action)

	dec = Resolve("x.com", rules("x.com"), nil, now)
	a.Equal(Block, dec.Action)
}

func TestResolve_NeitherPresent(t *testing.T) {
	dec := Resolve("x.com", nil, nil, time.Now())
	assert.Equal(t, Undecided, dec.Action)
	assert.Empty(t, dec.ExpiredAllow)
}

func TestResolve_ExpiredAllowReported(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	now := time.Now()

	// given - the only matching allow entry has already expired
	past := now.Add(-time.Minute)
	allow := []Rule{{Domain: "x.com", ExpiresAt: &past}}

	// when
	dec := Resolve("x.com", nil, allow, now)

	// then - no Allow from a stale grant; the entry is reported for removal
	a.Equal(Undecided, dec.Action)
	r.Len(dec.ExpiredAllow, 1)
	a.Equal("x.com", dec.ExpiredAllow[0].Domain)
}

func TestResolve_ExpiredAllowFallsThroughToBlock(t *testing.T) {
	a := assert.New(t)
	now := time.Now()

	// given - an expired narrow allow over a broad block
	past := now.Add(-time.Second)
	allow := []Rule{{Domain: "a.b.com", ExpiresAt: &past}}

	// when
	dec := Resolve("a.b.com", rules("b.com"), allow, now)

	// then - with the grant gone, the block applies
	a.Equal(Block, dec.Action)
	a.Len(dec.ExpiredAllow, 1)
}

func TestResolve_AllowCarriesExpiry(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	now := time.Now()

	future := now.Add(10 * time.Minute)
	allow := []Rule{{Domain: "news.example.com", ExpiresAt: &future}}

	dec := Resolve("news.example.com", rules("example.com"), allow, now)

	a.Equal(Allow, dec.Action)
	r.NotNil(dec.ExpiresAt)
	a.Equal(future, *dec.ExpiresAt)
}

func TestResolve_UnrelatedDomainUndecided(t *testing.T) {
	dec := Resolve("docs.rs", rules("facebook.com", "reddit.com"), rules("github.com"), time.Now())
	assert.Equal(t, Undecided, dec.Action)
}
