package service

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"print-studio/app/config"
	"print-studio/app/logger"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	data      []byte
	err       error
	status    int
	downloads int
}

func (f *fakeFetcher) Download(ctx context.Context, url string) ([]byte, error) {
	f.downloads++
	return f.data, f.err
}

func (f *fakeFetcher) Head(ctx context.Context, url string) (int, error) {
	return f.status, f.err
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 200, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func newTestBlobService(t *testing.T, fetcher ImageFetcher) (*BlobService, string) {
	t.Helper()
	dir := t.TempDir()
	return NewBlobService(config.BlobConfig{Dir: dir, BaseURL: "/blobs/", MaxUploadMB: 1}, fetcher, logger.NewNop()), dir
}

func TestBlobService_PutAndList(t *testing.T) {
	svc, dir := newTestBlobService(t, &fakeFetcher{})

	info, err := svc.Put("user_1", "print.png", pngBytes(t, 4, 3))
	require.NoError(t, err)
	assert.Equal(t, "user_1/print.png", info.Pathname)
	assert.Equal(t, "/blobs/user_1/print.png", info.URL)
	assert.Equal(t, 4, info.Width)
	assert.Equal(t, 3, info.Height)
	assert.FileExists(t, filepath.Join(dir, "user_1", "print.png"))

	_, err = svc.Put("", "other.png", pngBytes(t, 1, 1))
	require.NoError(t, err)

	blobs, err := svc.List("user_1")
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, "user_1/print.png", blobs[0].Pathname)

	all, err := svc.List("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := svc.List("nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBlobService_PutRejectsInvalid(t *testing.T) {
	svc, _ := newTestBlobService(t, &fakeFetcher{})

	_, err := svc.Put("u", "a.png", nil)
	assert.True(t, errors.Is(err, ErrBadRequest))

	_, err = svc.Put("u", "a.png", []byte("not an image"))
	assert.True(t, errors.Is(err, ErrBadRequest))

	_, err = svc.Put("../escape", "a.png", pngBytes(t, 1, 1))
	assert.True(t, errors.Is(err, ErrBadRequest))

	_, err = svc.Put("u", "a.png", make([]byte, 2<<20))
	assert.True(t, errors.Is(err, ErrBadRequest))
}

func TestBlobService_PutSanitizesFileName(t *testing.T) {
	svc, _ := newTestBlobService(t, &fakeFetcher{})

	info, err := svc.Put("u", "../../etc/passwd.png", pngBytes(t, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, "u/passwd.png", info.Pathname)

	info, err = svc.Put("u", "", pngBytes(t, 1, 1))
	require.NoError(t, err)
	assert.Regexp(t, `^u/[0-9a-f-]{36}\.png$`, info.Pathname)
}

func TestBlobService_Verify(t *testing.T) {
	fetcher := &fakeFetcher{data: pngBytes(t, 2, 2)}
	svc, _ := newTestBlobService(t, fetcher)
	ctx := context.Background()

	info, err := svc.Verify(ctx, "user_1", "https://cdn.example/outputs/abc.png?sig=1")
	require.NoError(t, err)
	assert.Equal(t, "user_1/abc.png", info.Pathname)
	assert.Equal(t, 1, fetcher.downloads)

	// 已存在时不再下载
	again, err := svc.Verify(ctx, "user_1", "https://cdn.example/other/abc.png")
	require.NoError(t, err)
	assert.Equal(t, info.URL, again.URL)
	assert.Equal(t, 1, fetcher.downloads)

	_, err = svc.Verify(ctx, "", "https://cdn.example/x.png")
	assert.True(t, errors.Is(err, ErrUnauthorized))

	fetcher.err = errors.New("404")
	_, err = svc.Verify(ctx, "user_1", "https://cdn.example/missing.png")
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestBlobService_Delete(t *testing.T) {
	svc, dir := newTestBlobService(t, &fakeFetcher{})

	info, err := svc.Put("u", "a.png", pngBytes(t, 1, 1))
	require.NoError(t, err)

	require.NoError(t, svc.Delete("http://localhost:5000"+info.URL))
	_, statErr := os.Stat(filepath.Join(dir, "u", "a.png"))
	assert.True(t, os.IsNotExist(statErr))

	assert.True(t, errors.Is(svc.Delete(info.URL), ErrNotFound))
	assert.True(t, errors.Is(svc.Delete("https://elsewhere.example/x.png"), ErrBadRequest))
	assert.True(t, errors.Is(svc.Delete("/blobs/u/../../secret"), ErrBadRequest))
}

func TestBlobService_Reachable(t *testing.T) {
	fetcher := &fakeFetcher{status: http.StatusOK}
	svc, _ := newTestBlobService(t, fetcher)

	assert.True(t, svc.Reachable(context.Background(), "https://x/1.png"))

	fetcher.status = http.StatusNotFound
	assert.False(t, svc.Reachable(context.Background(), "https://x/1.png"))

	fetcher.err = errors.New("dial tcp")
	assert.False(t, svc.Reachable(context.Background(), "https://x/1.png"))
}
