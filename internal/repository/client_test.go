package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/modelshift/internal/apperr"
	"github.com/starford/modelshift/internal/models"
	"github.com/starford/modelshift/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_ReadPath(t *testing.T) {
	fake := testutil.NewFakeRepository(t)
	fake.AddProject("P", "Demo", "main", "C0",
		models.Element{"@id": "A", "@type": "Package", "name": "Utilities"},
	)
	c := New(fake.URL()+"/", WithLogger(quietLogger()))
	ctx := context.Background()

	project, err := c.Project(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, "Demo", project.Name)

	branch, err := c.Branch(ctx, "P", "main")
	require.NoError(t, err)
	assert.Equal(t, "C0", branch.Head.ID)

	elements, err := c.Elements(ctx, "P", "C0")
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "Utilities", elements[0].Name())

	el, err := c.Element(ctx, "P", "C0", "A")
	require.NoError(t, err)
	assert.Equal(t, "Package", el.Type())

	types, err := c.Datatypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Package", "PartDefinition", "PartUsage"}, types)
}

func TestClient_NotFound(t *testing.T) {
	fake := testutil.NewFakeRepository(t)
	c := New(fake.URL(), WithLogger(quietLogger()))

	_, err := c.Project(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, err, apperr.ErrRemote)

	var remote *apperr.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusNotFound, remote.StatusCode)
	assert.Contains(t, remote.Body, "project not found")
}

func TestClient_PushCommitWireFormat(t *testing.T) {
	var body map[string]any
	var branchID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/projects/P/commits", r.URL.Path)
		branchID = r.URL.Query().Get("branchId")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"@id":"C9","@type":"Commit"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	commit, err := c.PushCommit(context.Background(), "P", "main", []models.ChangeEntry{
		{Type: models.ChangeEntryType, Payload: models.Element{"@type": "Package", "name": "Core"}, Identity: &models.Identity{ID: "A"}},
		{Type: models.ChangeEntryType, Payload: nil, Identity: &models.Identity{ID: "B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "C9", commit.ID)
	assert.Equal(t, "main", branchID)

	assert.Equal(t, "Commit", body["@type"])
	change, ok := body["change"].([]any)
	require.True(t, ok, "change is %T", body["change"])
	require.Len(t, change, 2)

	del := change[1].(map[string]any)
	assert.Equal(t, "DataVersion", del["@type"])
	assert.Nil(t, del["payload"])
	assert.Equal(t, map[string]any{"@id": "B"}, del["identity"])
}

func TestClient_PushCommitWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"@type":"Commit"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithLogger(quietLogger()))
	_, err := c.PushCommit(context.Background(), "P", "main", nil)
	assert.ErrorContains(t, err, "no @id")
	assert.ErrorIs(t, err, apperr.ErrRemote)
}

func TestClient_DatatypesFallsBackToKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"$defs":{"Zeta":{"title":"Zeta"},"Alpha":{}}}`))
	}))
	defer srv.Close()

	types, err := New(srv.URL, WithLogger(quietLogger())).Datatypes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Alpha", "Zeta"}, types)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))
	_, err := c.Project(context.Background(), "P")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemote)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithLogger(quietLogger())).Elements(context.Background(), "P", "C0")
	assert.ErrorContains(t, err, "decode response")
}
