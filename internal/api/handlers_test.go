package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagekeep/taskengine/internal/api"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/notify"
	"github.com/pagekeep/taskengine/internal/store/memstore"
	"github.com/pagekeep/taskengine/internal/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService scripts the engine surface the handlers depend on.
type fakeService struct {
	store *memstore.Store

	submitErr error
	cancelled bool
	cancelErr error
}

func (f *fakeService) Submit(ctx context.Context, userID uuid.UUID, taskType string, params any, parentID *uuid.UUID) (uuid.UUID, error) {
	if f.submitErr != nil {
		return uuid.Nil, f.submitErr
	}
	raw, ok := params.(json.RawMessage)
	if !ok {
		return uuid.Nil, fmt.Errorf("unexpected params type %T", params)
	}
	t, err := domain.NewTask(userID, taskType, raw, parentID)
	if err != nil {
		return uuid.Nil, err
	}
	if err := f.store.CreateTask(ctx, t); err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}

func (f *fakeService) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.cancelled, f.cancelErr
}

func newServer(t *testing.T) (*httptest.Server, *memstore.Store, *fakeService) {
	t.Helper()
	s := memstore.New()
	svc := &fakeService{store: s}

	hub := notify.NewHub(s, discardLogger())
	t.Cleanup(hub.Close)

	router := api.NewRouter(api.RouterDeps{
		Tasks:     api.NewTaskHandler(svc, s),
		Documents: api.NewDocumentHandler(s),
		Watch:     api.NewWatchHandler(hub, discardLogger()),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, s, svc
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"user_id": uuid.New().String(),
		"type":    "batch_summary",
		"params":  map[string]any{"document_id": uuid.New().String()},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[api.TaskResponse](t, resp)
	assert.Equal(t, "batch_summary", body.Type)
	assert.Equal(t, string(domain.StatusQueued), body.Status)
	assert.NotEmpty(t, body.ID)
}

func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()
	srv, _, svc := newServer(t)

	// Missing user_id and type.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Engine rejections map to their status codes.
	svc.submitErr = task.ErrUnknownTaskType
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"user_id": uuid.New().String(),
		"type":    "nope",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	svc.submitErr = task.ErrQueueFull
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks", map[string]any{
		"user_id": uuid.New().String(),
		"type":    "batch_summary",
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	t.Parallel()
	srv, s, _ := newServer(t)
	ctx := context.Background()

	rec, err := domain.NewTask(uuid.New(), "chapter_summary", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, rec))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.TaskResponse](t, resp)
	assert.Equal(t, rec.ID.String(), body.ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListSubTasks(t *testing.T) {
	t.Parallel()
	srv, s, _ := newServer(t)
	ctx := context.Background()

	parent, err := domain.NewTask(uuid.New(), "batch_summary", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, parent))
	for i := 0; i < 2; i++ {
		child, err := domain.NewTask(parent.UserID, "chapter_summary", json.RawMessage(`{}`), &parent.ID)
		require.NoError(t, err)
		require.NoError(t, s.CreateTask(ctx, child))
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+parent.ID.String()+"/subtasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[[]api.TaskResponse](t, resp)
	assert.Len(t, body, 2)

	// No children is an empty list, not an error.
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+uuid.New().String()+"/subtasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[[]api.TaskResponse](t, resp)
	assert.Empty(t, body)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	srv, s, svc := newServer(t)
	ctx := context.Background()

	rec, err := domain.NewTask(uuid.New(), "chapter_summary", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, rec))

	svc.cancelled = true
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+rec.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// A task that already finished reports a conflict with its state.
	svc.cancelled = false
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+rec.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[api.TaskResponse](t, resp)
	assert.Equal(t, rec.ID.String(), body.ID)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+uuid.New().String()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAndGetDocument(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents", map[string]any{
		"user_id": uuid.New().String(),
		"title":   "Collected Essays",
		"chapters": []map[string]string{
			{"title": "One", "text": "First chapter text."},
			{"title": "Two", "text": "Second chapter text."},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[api.DocumentResponse](t, resp)
	require.Len(t, created.Chapters, 2)
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, len("First chapter text."), created.Chapters[0].TextChars)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/documents/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[api.DocumentResponse](t, resp)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Collected Essays", got.Title)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/documents/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateDocumentValidation(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t)

	// No chapters.
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/documents", map[string]any{
		"user_id":  uuid.New().String(),
		"title":    "Empty",
		"chapters": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Chapter without text.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/documents", map[string]any{
		"user_id":  uuid.New().String(),
		"title":    "Bad",
		"chapters": []map[string]string{{"title": "One"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, _ := newServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
