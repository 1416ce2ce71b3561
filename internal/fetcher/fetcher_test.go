package fetcher

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func newFetcher(t *testing.T, maxBytes int64) (*Fetcher, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{Timeout: 5 * time.Second, MaxBytes: maxBytes, TempDir: dir, UserAgent: "test"}, testLogger()), dir
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("во временном каталоге остались файлы: %d", len(entries))
	}
}

func TestFetch_HashAndFormat(t *testing.T) {
	body := []byte("hello")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test" {
			t.Errorf("User-Agent = %q, ожидается test", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		w.Write(body)
	}))
	defer srv.Close()

	f, dir := newFetcher(t, 0)

	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() ошибка: %v", err)
	}

	if res.SHA1 != "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d" {
		t.Errorf("SHA1 = %s", res.SHA1)
	}
	if res.Size != int64(len(body)) {
		t.Errorf("Size = %d, ожидается %d", res.Size, len(body))
	}
	if res.Format != model.FormatJPEG || res.MimeType != "image/jpeg" {
		t.Errorf("Format/MimeType = %s/%s", res.Format, res.MimeType)
	}

	rc, err := res.Open()
	if err != nil {
		t.Fatalf("Open() ошибка: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, body) {
		t.Errorf("содержимое временного файла = %q", got)
	}

	if err := res.Close(); err != nil {
		t.Fatalf("Close() ошибка: %v", err)
	}
	if err := res.Close(); err != nil {
		t.Errorf("повторный Close() ошибка: %v", err)
	}
	assertDirEmpty(t, dir)
}

func TestFetch_SameBytesSameHash(t *testing.T) {
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 0)

	first, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("Fetch() ошибка: %v", err)
	}
	defer first.Close()
	second, err := f.Fetch(context.Background(), srv.URL+"/b.png")
	if err != nil {
		t.Fatalf("Fetch() ошибка: %v", err)
	}
	defer second.Close()

	if first.SHA1 != second.SHA1 {
		t.Errorf("одинаковые байты дали разные хеши: %s != %s", first.SHA1, second.SHA1)
	}
}

func TestFetch_SniffsGenericContentType(t *testing.T) {
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 0)
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() ошибка: %v", err)
	}
	defer res.Close()

	if res.Format != model.FormatPNG {
		t.Errorf("Format = %s, ожидается png", res.Format)
	}
	if res.MimeType != "image/png" {
		t.Errorf("MimeType = %s, ожидается image/png", res.MimeType)
	}
}

func TestFetch_UnknownFormatIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x00, 0x01, 0x02, 0x03})
	}))
	defer srv.Close()

	f, _ := newFetcher(t, 0)
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch() ошибка: %v", err)
	}
	defer res.Close()

	if res.Format != model.FormatUnknown {
		t.Errorf("Format = %s, ожидается unknown", res.Format)
	}
}

func TestFetch_ErrorsCleanUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/big":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(bytes.Repeat([]byte{0xff}, 2048))
		}
	}))
	defer srv.Close()

	f, dir := newFetcher(t, 1024)

	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("Fetch(/missing) = %v, ожидается ErrUnexpectedStatus", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/big"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Fetch(/big) = %v, ожидается ErrTooLarge", err)
	}
	if _, err := f.Fetch(context.Background(), "http://127.0.0.1:1/unreachable"); err == nil {
		t.Error("Fetch() недоступного адреса не вернул ошибку")
	}

	assertDirEmpty(t, dir)
}

func TestFormatForMIME(t *testing.T) {
	tests := []struct {
		in   string
		want model.Format
	}{
		{"image/jpeg", model.FormatJPEG},
		{"IMAGE/PNG", model.FormatPNG},
		{"image/tiff; foo=bar", model.FormatTIFF},
		{"image/webp", model.FormatWebP},
		{"video/mp4", model.FormatMP4},
		{"text/html", model.FormatUnknown},
		{"", model.FormatUnknown},
	}
	for _, tt := range tests {
		if got := FormatForMIME(tt.in); got != tt.want {
			t.Errorf("FormatForMIME(%q) = %s, ожидается %s", tt.in, got, tt.want)
		}
	}
}
