package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tigscm/internal/detector"
	tigerrors "tigscm/internal/errors"
	"tigscm/internal/fsmonitor"
	"tigscm/internal/revstore"
	"tigscm/internal/vfs"
)

type fakeStatus struct {
	results []fsmonitor.PendingResult
	err     error
}

func (f *fakeStatus) Status(context.Context) ([]fsmonitor.PendingResult, error) {
	return f.results, f.err
}

type fakeContent map[revstore.Key]string

func (f fakeContent) GetFileContent(_ context.Context, key revstore.Key) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, revstore.ErrNotFound
	}
	return []byte(data), nil
}

func TestStatusHandler(t *testing.T) {
	tests := []struct {
		name       string
		source     *fakeStatus
		wantStatus int
		want       []Change
	}{
		{
			name: "changes",
			source: &fakeStatus{results: []fsmonitor.PendingResult{
				{Kind: detector.Changed, Path: "a.go", Meta: vfs.Metadata{Size: 12}},
				{Kind: detector.Deleted, Path: "b.go"},
				{Err: tigerrors.PerItem("stat", "c.go", errors.New("permission denied"))},
			}},
			wantStatus: http.StatusOK,
			want: []Change{
				{Path: "a.go", Kind: "changed", Size: 12},
				{Path: "b.go", Kind: "deleted"},
				{Path: "c.go", Error: "stat c.go: permission denied"},
			},
		},
		{
			name:       "clean",
			source:     &fakeStatus{},
			wantStatus: http.StatusOK,
			want:       []Change{},
		},
		{
			name:       "watcher unavailable",
			source:     &fakeStatus{err: tigerrors.Transient("connecting to watcher", errors.New("refused"))},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "fatal",
			source:     &fakeStatus{err: tigerrors.Fatal("writing tree state", errors.New("disk full"))},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/status", nil)
			rec := httptest.NewRecorder()

			NewStatusHandler(tt.source, nil).Get(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.want == nil {
				return
			}
			var resp StatusResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.want, resp.Changes)
		})
	}
}

func TestRouter(t *testing.T) {
	node := revstore.NodeFor([]byte("hello"))
	content := fakeContent{{Path: "docs/a.txt", Node: node}: "hello"}
	router := NewRouter(&fakeStatus{}, content, nil)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{"content", "/content/docs/a.txt?node=" + node.String(), http.StatusOK, "hello"},
		{"unknown revision", "/content/docs/b.txt?node=" + node.String(), http.StatusNotFound, ""},
		{"bad node", "/content/docs/a.txt?node=zz", http.StatusBadRequest, ""},
		{"status", "/status", http.StatusOK, ""},
		{"metrics", "/metrics", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.url, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRouterKeepsRequestID(t *testing.T) {
	router := NewRouter(&fakeStatus{}, fakeContent{}, nil)
	req := httptest.NewRequest("GET", "/status", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
