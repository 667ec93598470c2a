package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusgate/config"
	"focusgate/oracle"
	"focusgate/policy"
)

// fakeOracle answers Messages API requests with a scripted reply,
// speaking SSE for streaming requests and plain JSON otherwise.
func fakeOracle(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req oracle.MessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if !req.Stream {
			json.NewEncoder(w).Encode(oracle.MessagesResponse{
				Type:  "message",
				Role:  oracle.RoleAssistant,
				Model: req.Model,
				Content: []oracle.ContentBlock{
					{Type: oracle.BlockTypeText, Text: reply},
				},
				Usage: oracle.Usage{InputTokens: 20, OutputTokens: 2},
			})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		delta, _ := json.Marshal(oracle.ContentBlockDeltaEvent{
			Type:  oracle.EventContentBlockDelta,
			Delta: oracle.BlockDelta{Type: oracle.DeltaTypeText, Text: reply},
		})
		w.Write([]byte("event: content_block_delta\ndata: " + string(delta) + "\n\n"))
		w.Write([]byte(`event: message_delta` + "\n" +
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":40,"output_tokens":12}}` + "\n\n"))
		w.Write([]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
	}))
}

func newTestApp(t *testing.T, oracleURL, apiKey string) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Oracle.BaseURL = oracleURL
	cfg.Oracle.APIKey = apiKey
	app, err := NewApp(cfg)
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	return app
}

func TestCheckNavigation_SeededBlocklist(t *testing.T) {
	a := assert.New(t)
	app := newTestApp(t, "", "")

	ctx := context.Background()
	a.False(app.CheckNavigation(ctx, "https://facebook.com/feed").Proceed)
	a.False(app.CheckNavigation(ctx, "https://m.facebook.com/feed").Proceed)

	// unknown domains proceed in simple mode
	a.True(app.CheckNavigation(ctx, "https://example.org/docs").Proceed)
}

func TestCheckNavigation_LowercasesHost(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	app := newTestApp(t, "", "")
	r.NoError(app.store.UpsertBlock(policy.Rule{Domain: "example.com"}))

	// a mixed-case URL must not slip past the lower-case rule
	dec := app.CheckNavigation(context.Background(), "https://News.Example.COM/feed")
	a.False(dec.Proceed)
	a.Equal("news.example.com", dec.Domain)
}

func TestCheckNavigation_IgnoresNonWebURLs(t *testing.T) {
	a := assert.New(t)
	app := newTestApp(t, "", "")

	ctx := context.Background()
	for _, raw := range []string{"chrome://settings", "mailto:someone@facebook.com", "about:blank", "%%%"} {
		dec := app.CheckNavigation(ctx, raw)
		a.True(dec.Proceed, "url %q", raw)
		a.Empty(dec.Domain)
	}
}

func TestCheckNavigation_GrantOverridesBroaderBlock(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	app := newTestApp(t, "", "")
	r.NoError(app.store.UpsertBlock(policy.Rule{Domain: "example.com"}))

	d := 10 * time.Minute
	_, err := app.Grant("news.example.com", &d)
	r.NoError(err)

	dec := app.CheckNavigation(context.Background(), "https://news.example.com/article")
	a.True(dec.Proceed)
	a.Equal("news.example.com", dec.Domain)
	r.NotNil(dec.ExpiresAt)

	// the broader block still applies to siblings
	a.False(app.CheckNavigation(context.Background(), "https://mail.example.com/").Proceed)
}

func TestCheckNavigation_ExpiredGrantIsDropped(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	app := newTestApp(t, "", "")
	r.NoError(app.store.UpsertBlock(policy.Rule{Domain: "example.com"}))

	past := time.Now().Add(-time.Minute)
	r.NoError(app.store.UpsertAllow(policy.Rule{Domain: "news.example.com", ExpiresAt: &past}))

	dec := app.CheckNavigation(context.Background(), "https://news.example.com/article")
	a.False(dec.Proceed)

	// the stale entry was deleted during resolution
	_, found := policy.FindRule("news.example.com", app.store.AllowList())
	a.False(found)
}

func TestCheckNavigation_AdvancedModeClassifiesAndPersists(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	var calls atomic.Int32
	upstream := fakeOracle(t, "BLOCK", &calls)
	defer upstream.Close()

	app := newTestApp(t, upstream.URL, "test-key")
	r.NoError(app.store.SetAdvancedMode(true))

	dec := app.CheckNavigation(context.Background(), "https://timesink.example/")
	a.False(dec.Proceed)
	a.True(dec.Classified)

	// the verdict became a permanent block rule
	rule, found := policy.FindRule("timesink.example", app.store.BlockList())
	r.True(found)
	a.Nil(rule.ExpiresAt)

	// subsequent navigations are decided by the rule, not the oracle
	dec = app.CheckNavigation(context.Background(), "https://timesink.example/")
	a.False(dec.Proceed)
	a.False(dec.Classified)
	a.Equal(int32(1), calls.Load())
}

func TestCheckNavigation_ClassifierFailsOpen(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"type":"overloaded_error"}}`, http.StatusInternalServerError)
	}))
	defer upstream.Close()

	app := newTestApp(t, upstream.URL, "test-key")
	r.NoError(app.store.SetAdvancedMode(true))

	dec := app.CheckNavigation(context.Background(), "https://unknown.example/")
	a.True(dec.Proceed)
}

func TestResolveDomain_IsReadOnly(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)

	var calls atomic.Int32
	upstream := fakeOracle(t, "BLOCK", &calls)
	defer upstream.Close()

	app := newTestApp(t, upstream.URL, "test-key")
	r.NoError(app.store.SetAdvancedMode(true))

	// undecided stays undecided even in advanced mode: no classifier
	// call, no persisted rule
	dec := app.ResolveDomain("timesink.example")
	a.Equal(policy.Undecided, dec.Action)
	a.Equal(int32(0), calls.Load())
	_, found := policy.FindRule("timesink.example", app.store.BlockList())
	a.False(found)
	_, found = policy.FindRule("timesink.example", app.store.AllowList())
	a.False(found)

	// host case is normalized like the navigation path
	r.NoError(app.store.UpsertBlock(policy.Rule{Domain: "example.com"}))
	a.Equal(policy.Block, app.ResolveDomain("News.Example.COM").Action)
}

func TestRevoke(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	app := newTestApp(t, "", "")
	r.NoError(app.store.UpsertBlock(policy.Rule{Domain: "example.com"}))

	_, err := app.Grant("news.example.com", nil)
	r.NoError(err)
	r.True(app.CheckNavigation(context.Background(), "https://news.example.com/").Proceed)

	removed, err := app.Revoke("news.example.com")
	r.NoError(err)
	a.True(removed)

	// re-resolution after revoke lands on the broader block again
	a.False(app.CheckNavigation(context.Background(), "https://news.example.com/").Proceed)

	removed, err = app.Revoke("news.example.com")
	r.NoError(err)
	a.False(removed)
}

func TestNegotiationSessionLifecycle(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	app := newTestApp(t, "", "")

	state := app.OpenNegotiation("reddit.com", "https://reddit.com/r/all")
	id := state.Session.ID()

	got, ok := app.GetSession(id)
	r.True(ok)
	a.Equal(state, got)
	a.Len(app.Sessions(), 1)

	r.NoError(app.CloseSession(id))
	_, ok = app.GetSession(id)
	a.False(ok)

	a.Error(app.CloseSession(id))
}

func TestApplyPolicy(t *testing.T) {
	a := assert.New(t)
	app := newTestApp(t, "", "")

	cfg := config.DefaultConfig()
	cfg.Policy.ClassificationPrompt = "Allow chess sites."
	cfg.Policy.MaxImageDim = 512
	app.ApplyPolicy(cfg)

	a.Equal("Allow chess sites.", app.classificationPrompt())
	a.Equal(512, app.imageDim())
}
