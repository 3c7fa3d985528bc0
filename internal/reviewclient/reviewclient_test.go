package reviewclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListChangesSendsTopicAndAuth(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]ChangeSummary{{ID: 1, Revision: 2, Branch: "master"}})
	}))
	defer srv.Close()

	c := NewAuthenticated(srv.URL, "tok123")
	changes, err := c.ListChanges(context.Background(), "lustre")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, 1, changes[0].ID)
	assert.Equal(t, "Bearer tok123", gotAuth)
	assert.Equal(t, "topic=lustre", gotQuery)
}

func TestListChangesNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.ListChanges(context.Background(), "")
	assert.Error(t, err)
}

func TestPostReviewSendsExpectedBody(t *testing.T) {
	var gotPath string
	var gotComment ReviewComment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotComment)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.PostReview(context.Background(), 42, 3, ReviewComment{Message: "build failed"})
	require.NoError(t, err)
	assert.Equal(t, "/changes/42/revisions/3/review", gotPath)
	assert.Equal(t, "build failed", gotComment.Message)
}

func TestPostInlineCommentAttachesLineComment(t *testing.T) {
	var gotComment ReviewComment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotComment)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.PostInlineComment(context.Background(), 1, 1, "lustre/osd_handler.c", 100, "crash here")
	require.NoError(t, err)
	require.Len(t, gotComment.Inline, 1)
	assert.Equal(t, "lustre/osd_handler.c", gotComment.Inline[0].Path)
	assert.Equal(t, 100, gotComment.Inline[0].Line)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestToChangeRecord(t *testing.T) {
	cs := ChangeSummary{ID: 5, Revision: 2, Branch: "b2_15", CommitMessage: "msg", ChangedFiles: []string{"a.c"}, Topic: "lustre", BranchTip: true}
	rec := cs.ToChangeRecord()
	assert.Equal(t, 5, rec.ID)
	assert.Equal(t, "b2_15", rec.Branch)
	assert.True(t, rec.BranchTip)
}
