package osautomation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler func(req Request) Response) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/computer", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(handler(req))
	}))
}

func TestScreenshot(t *testing.T) {
	pngBytes := []byte{0x89, 0x50, 0x4e, 0x47}
	srv := newTestServer(t, func(req Request) Response {
		assert.Equal(t, ActionScreenshot, req.Action)
		return Response{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(pngBytes),
		}
	})
	defer srv.Close()

	got, err := NewClient(srv.URL, 0).Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)
}

func TestScreenshot_WrongMimeTypeIsFatal(t *testing.T) {
	srv := newTestServer(t, func(req Request) Response {
		return Response{MimeType: "image/jpeg", Data: ""}
	})
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Screenshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image/png")
}

func TestExecute_TextOutput(t *testing.T) {
	srv := newTestServer(t, func(req Request) Response {
		assert.Equal(t, ActionClick, req.Action)
		assert.Equal(t, []int{115, 115}, req.Coordinate)
		return Response{Output: "clicked"}
	})
	defer srv.Close()

	out, err := NewClient(srv.URL, 0).Execute(context.Background(), Request{
		Action:     ActionClick,
		Coordinate: []int{115, 115},
		NumClicks:  1,
		ButtonType: "left",
	})
	require.NoError(t, err)
	assert.Equal(t, "clicked", out)
}

func TestExecute_ErrorSurfacedVerbatim(t *testing.T) {
	srv := newTestServer(t, func(req Request) Response {
		return Response{Error: "display is locked"}
	})
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Execute(context.Background(), Request{Action: ActionKey, Keys: []string{"Return"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "display is locked")
}

func TestExecuteArgs_RoundTripsGroundedCall(t *testing.T) {
	srv := newTestServer(t, func(req Request) Response {
		assert.Equal(t, ActionDragAndDrop, req.Action)
		assert.Equal(t, []int{10, 20}, req.Coordinate)
		assert.Equal(t, []int{30, 40}, req.TargetCoordinate)
		return Response{Output: "dragged"}
	})
	defer srv.Close()

	out, err := NewClient(srv.URL, 0).ExecuteArgs(context.Background(), map[string]interface{}{
		"action":            "drag_and_drop",
		"coordinate":        []int{10, 20},
		"target_coordinate": []int{30, 40},
	})
	require.NoError(t, err)
	assert.Equal(t, "dragged", out)
}

func TestExecuteArgs_MissingAction(t *testing.T) {
	_, err := NewClient("http://unused", 0).ExecuteArgs(context.Background(), map[string]interface{}{
		"coordinate": []int{1, 2},
	})
	assert.Error(t, err)
}
