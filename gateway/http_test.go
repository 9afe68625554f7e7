package gateway

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"shoal/auth"

	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	gw := testGateway(t, []ChunkStore{newFakeShard()}, 1024)
	api := NewAPI(gw, auth.NewStatic(map[string]string{"alice": "secret"}))
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv
}

func multipartUpload(t *testing.T, url, user, pass, filePath string, content []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("file_path", filePath))
	fw, err := mw.CreateFormFile("file", "upload.bin")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(user, pass)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func authedRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAPIRejectsBadCredentials(t *testing.T) {
	srv := testServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/file_size?file_path=/x", nil)
	require.NoError(t, err)
	req.SetBasicAuth("alice", "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIFileLifecycle(t *testing.T) {
	srv := testServer(t)
	content := pattern(3000)

	resp := multipartUpload(t, srv.URL, "alice", "secret", "/notes/today.txt", content)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate upload conflicts.
	dup := multipartUpload(t, srv.URL, "alice", "secret", "/notes/today.txt", content)
	defer dup.Body.Close()
	require.Equal(t, http.StatusConflict, dup.StatusCode)

	// Download returns the bytes and an attachment header.
	get := authedRequest(t, http.MethodGet, srv.URL+"/file?file_path=/notes/today.txt")
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	require.Contains(t, get.Header.Get("Content-Disposition"), "today.txt")
	got, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	require.Equal(t, content, got)

	// Stat reports the size.
	stat := authedRequest(t, http.MethodGet, srv.URL+"/file_size?file_path=/notes/today.txt")
	defer stat.Body.Close()
	require.Equal(t, http.StatusOK, stat.StatusCode)

	// Delete, then the file is gone.
	del := authedRequest(t, http.MethodDelete, srv.URL+"/file?file_path=/notes/today.txt")
	defer del.Body.Close()
	require.Equal(t, http.StatusNoContent, del.StatusCode)

	miss := authedRequest(t, http.MethodGet, srv.URL+"/file?file_path=/notes/today.txt")
	defer miss.Body.Close()
	require.Equal(t, http.StatusNotFound, miss.StatusCode)
}
