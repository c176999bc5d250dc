package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFetch_SmallPNGPassesThrough(t *testing.T) {
	body := pngBytes(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(WithHTTPClient(srv.Client()))
	img, err := f.Fetch(context.Background(), srv.URL+"/a.png")

	require.NoError(t, err)
	require.Equal(t, "image/png", img.MIMEType)
	require.Equal(t, body, img.Data)
	require.Equal(t, srv.URL+"/a.png", img.URL)
}

func TestFetch_DownscalesLargeImage(t *testing.T) {
	body := pngBytes(t, 40, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(WithHTTPClient(srv.Client()), WithMaxDimension(10))
	img, err := f.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	require.Equal(t, "image/jpeg", img.MIMEType)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Width)
	require.Equal(t, 5, cfg.Height)
}

func TestFetch_TriesVariantsInOrder(t *testing.T) {
	body := pngBytes(t, 4, 4)
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		if r.URL.Path != "/ok" {
			http.Error(w, "nope", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(
		WithHTTPClient(srv.Client()),
		WithVariants(func(u string) []string { return []string{u + "/missing", u + "/ok", u + "/never"} }),
	)
	img, err := f.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	require.Equal(t, body, img.Data)
	require.Equal(t, []string{"/missing", "/ok"}, seen)
}

func TestFetch_AllVariantsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(WithHTTPClient(srv.Client()))
	_, err := f.Fetch(context.Background(), srv.URL)

	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusGone, statusErr.HTTPStatusCode())
}

func TestFetch_NonImageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := NewFetcher(WithHTTPClient(srv.Client())).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestUploadcareVariants(t *testing.T) {
	got := UploadcareVariants("https://ucarecdn.com/1b2c3d/photo.heic")
	require.Equal(t, []string{
		"https://ucarecdn.com/1b2c3d/",
		"https://ucarecdn.com/1b2c3d/-/preview/",
		"https://ucarecdn.com/1b2c3d/-/format/jpeg/",
	}, got)

	require.Equal(t, got, UploadcareVariants("https://ucarecdn.com/1b2c3d/-/preview/"))

	require.Equal(t, []string{"https://example.com/a.png"}, UploadcareVariants("https://example.com/a.png"))
}
