package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/pipeline"
)

const catalogHTML = `<!DOCTYPE html>
<html><body>
<a href="/study-gothenburg/computer-science-DIT123">Computer Science</a>
<a href="/study-gothenburg/computer-science-DIT123#details">Same course, fragment link</a>
<a href="/study-gothenburg/algorithms-DIT602/syllabus/abc">Syllabus</a>
<a href="https://example.edu/pdf/kurs/dit123">PDF syllabus</a>
<a href="/study-gothenburg/algorithms-DIT602/reading-list/xyz">Reading list</a>
<a href="/about-the-university">About</a>
</body></html>`

func TestFetchLinksClassifiesAndDedupes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(catalogHTML))
	}))
	defer srv.Close()

	e := New("test-agent", zap.NewNop())
	links, err := e.FetchLinks(context.Background(), srv.URL)
	require.NoError(t, err)

	byKind := make(map[pipeline.URLKind][]string)
	for _, l := range links {
		byKind[l.Kind] = append(byKind[l.Kind], l.URL)
	}

	// Fragment variant collapses onto the same normalized URL; reading list
	// and unrelated pages are dropped.
	require.Len(t, byKind[pipeline.URLCoursePage], 1)
	require.Len(t, byKind[pipeline.URLSyllabusWeb], 1)
	require.Len(t, byKind[pipeline.URLSyllabusPDF], 1)
	require.Len(t, links, 3)
}

func TestFetchLinksPropagatesServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := New("test-agent", zap.NewNop())
	_, err := e.FetchLinks(context.Background(), srv.URL)
	require.Error(t, err)
}
