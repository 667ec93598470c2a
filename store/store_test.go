package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusgate/policy"
)

func TestOpen_SeedsDefaults(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given - an empty data dir
	dir := t.TempDir()

	// when
	s, err := Open(dir)
	r.NoError(err)

	// then - the default blocklist is seeded and persisted
	a.Len(s.BlockList(), len(DefaultBlockList))
	a.Empty(s.AllowList())
	a.False(s.AdvancedMode())

	_, err = os.Stat(filepath.Join(dir, rulesFile))
	a.NoError(err)
}

func TestOpen_ReadsLegacyStringEntries(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	// given - a rules file written by an older version with bare strings
	dir := t.TempDir()
	raw := `{"blocklist": ["facebook.com"], "allowlist": ["github.com", {"domain": "news.example.com", "expiresAt": 1700000000000}], "advancedMode": true}`
	r.NoError(os.WriteFile(filepath.Join(dir, rulesFile), []byte(raw), 0o644))

	// when
	s, err := Open(dir)
	r.NoError(err)

	// then - both shapes normalize into canonical rules
	r.Len(s.AllowList(), 2)
	a.Equal("github.com", s.AllowList()[0].Domain)
	a.Nil(s.AllowList()[0].ExpiresAt)
	a.NotNil(s.AllowList()[1].ExpiresAt)
	a.True(s.AdvancedMode())
}

func TestUpsertAllow_NoDuplicates(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	s, err := Open(t.TempDir())
	r.NoError(err)

	// given - two grants for the same domain
	first := time.Now().Add(time.Minute)
	second := time.Now().Add(time.Hour)
	r.NoError(s.UpsertAllow(policy.Rule{Domain: "x.com", ExpiresAt: &first}))
	r.NoError(s.UpsertAllow(policy.Rule{Domain: "x.com", ExpiresAt: &second}))

	// then - one entry, expiry overwritten
	list := s.AllowList()
	r.Len(list, 1)
	a.Equal(second, *list[0].ExpiresAt)
}

func TestRemoveAllow(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	s, err := Open(t.TempDir())
	r.NoError(err)
	r.NoError(s.UpsertAllow(policy.Rule{Domain: "x.com"}))

	removed, err := s.RemoveAllow("x.com")
	r.NoError(err)
	a.True(removed)
	a.Empty(s.AllowList())

	// removing a missing domain is a reported no-op
	removed, err = s.RemoveAllow("x.com")
	r.NoError(err)
	a.False(removed)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	dir := t.TempDir()
	s, err := Open(dir)
	r.NoError(err)
	r.NoError(s.UpsertAllow(policy.Rule{Domain: "docs.rs"}))
	r.NoError(s.SetAdvancedMode(true))

	// when - a second process opens the same dir
	s2, err := Open(dir)
	r.NoError(err)

	// then
	a.True(s2.AdvancedMode())
	r.Len(s2.AllowList(), 1)
	a.Equal("docs.rs", s2.AllowList()[0].Domain)
}

func TestStore_WritesStructuredForm(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	dir := t.TempDir()
	s, err := Open(dir)
	r.NoError(err)
	r.NoError(s.UpsertAllow(policy.Rule{Domain: "x.com"}))

	// the file converges on the structured entry shape
	data, err := os.ReadFile(filepath.Join(dir, rulesFile))
	r.NoError(err)
	var st map[string]json.RawMessage
	r.NoError(json.Unmarshal(data, &st))
	a.Contains(string(st["allowlist"]), `"domain"`)
}
