package rag

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/clock"
	"github.com/askdocs/askdocs/internal/log"
)

type recordingUpserter struct {
	mu   sync.Mutex
	docs []Document
	err  error
}

func (u *recordingUpserter) Upsert(_ context.Context, doc Document) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.docs = append(u.docs, doc)
	return nil
}

func (u *recordingUpserter) byURL() map[string]Document {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]Document, len(u.docs))
	for _, d := range u.docs {
		out[d.URL] = d
	}
	return out
}

func page(title, body string, links ...string) string {
	var linkHTML string
	for _, l := range links {
		linkHTML += fmt.Sprintf(`<a href=%q>%s</a> `, l, l)
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%s</title></head>
<body><nav>%s</nav><article><h1>%s</h1><p>%s</p></article></body></html>`,
		title, linkHTML, title, body)
}

const filler = "This guide explains the feature in detail, including configuration, " +
	"usage examples, common pitfalls, and troubleshooting steps developers run into " +
	"when integrating the service into their own applications for the first time."

func newDocsSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, page("Getting Started", "Welcome to the docs. "+filler, "/pinning", "/upload", "https://elsewhere.example.com/offsite"))
	})
	mux.HandleFunc("/pinning", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page("Pinning", "Pin files with the pin command. "+filler))
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page("Uploading", "Upload files via the dashboard. "+filler))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoader_CrawlsAndIndexesSite(t *testing.T) {
	srv := newDocsSite(t)
	store := &recordingUpserter{}
	status := NewStatus(clock.NewFake(time.Now()))
	l := NewLoader(store, status, 2, log.NewNop())

	err := l.Load(context.Background(), []string{srv.URL + "/"})
	require.NoError(t, err)

	docs := store.byURL()
	require.Len(t, docs, 3, "root plus two linked pages")

	pinning, ok := docs[srv.URL+"/pinning"]
	require.True(t, ok)
	assert.Equal(t, "Pinning", pinning.Title)
	assert.Contains(t, pinning.Content, "Pin files with the pin command.")

	snap := status.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 3, snap.DocumentCount)
}

func TestLoader_EmptySeedsFails(t *testing.T) {
	status := NewStatus(clock.NewFake(time.Now()))
	l := NewLoader(&recordingUpserter{}, status, 0, log.NewNop())

	err := l.Load(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, StateError, status.Snapshot().State)
}

func TestLoader_InvalidSeedFails(t *testing.T) {
	status := NewStatus(clock.NewFake(time.Now()))
	l := NewLoader(&recordingUpserter{}, status, 0, log.NewNop())

	err := l.Load(context.Background(), []string{"::not a url"})
	require.Error(t, err)
	assert.Equal(t, StateError, status.Snapshot().State)
}

func TestLoader_UnreachableSiteFails(t *testing.T) {
	srv := newDocsSite(t)
	srv.Close()
	status := NewStatus(clock.NewFake(time.Now()))
	l := NewLoader(&recordingUpserter{}, status, 1, log.NewNop())

	err := l.Load(context.Background(), []string{srv.URL + "/"})
	require.Error(t, err)
	assert.Equal(t, StateError, status.Snapshot().State)
}

func TestExtractDocument(t *testing.T) {
	u, err := url.Parse("https://docs.example.com/guide")
	require.NoError(t, err)

	doc, err := extractDocument(u, []byte(page("Guide", "Everything you need to know. "+filler)))
	require.NoError(t, err)

	assert.Equal(t, "https://docs.example.com/guide", doc.URL)
	assert.Equal(t, "Guide", doc.Title)
	assert.Contains(t, doc.Content, "Everything you need to know.")
}

func TestExtractDocumentTruncatesLongContent(t *testing.T) {
	u, err := url.Parse("https://docs.example.com/long")
	require.NoError(t, err)

	long := ""
	for range 400 {
		long += filler + " "
	}
	doc, err := extractDocument(u, []byte(page("Long", long)))
	require.NoError(t, err)

	assert.LessOrEqual(t, len([]rune(doc.Content)), maxContentRunes)
}

func TestSeedHosts(t *testing.T) {
	hosts, err := seedHosts([]string{
		"https://docs.example.com/start",
		"https://docs.example.com/other",
		"http://127.0.0.1:8080/",
	})
	require.NoError(t, err)

	assert.Contains(t, hosts, "docs.example.com")
	assert.Contains(t, hosts, "127.0.0.1:8080")
	assert.Contains(t, hosts, "127.0.0.1")
}
