package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ProctorStream/internal/model"
	"ProctorStream/internal/testutil"
)

func TestWebsocketURLs(t *testing.T) {
	u, err := New("http://localhost:8080/", nil).CandidateURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/candidate", u)

	u, err = New("https://proctor.example.com/base", nil).ProctorURL("abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://proctor.example.com/base/ws/proctor?session_id=abc", u)

	_, err = New("ftp://host", nil).CandidateURL()
	assert.Error(t, err)
}

// TestSessionCalls 创建、查询、导出、结束
func TestSessionCalls(t *testing.T) {
	c := New(testutil.NewStack(t).URL(), nil)
	ctx := context.Background()

	id, err := c.CreateSession(ctx, "Ada", "ada@example.com", 30*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := c.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, s.Status)
	assert.Equal(t, 30*time.Minute, s.Duration)

	var buf bytes.Buffer
	require.NoError(t, c.Export(ctx, id, "json", &buf))
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, id, rec["session"].(map[string]any)["id"])

	st, err := c.EndSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, st)
}

// TestErrors 错误响应还原为错误分类
func TestErrors(t *testing.T) {
	c := New(testutil.NewStack(t).URL(), nil)
	ctx := context.Background()

	_, err := c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)

	_, err = c.CreateSession(ctx, "", "not-an-email", time.Minute)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	id, err := c.CreateSession(ctx, "Ada", "ada@example.com", time.Minute)
	require.NoError(t, err)
	err = c.Export(ctx, id, "xml", &bytes.Buffer{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
