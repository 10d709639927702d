package extractor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func faceServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected multipart file part: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if len(data) == 0 {
				t.Error("expected image bytes")
			}
			if ct := header.Header.Get("Content-Type"); ct != "image/png" {
				t.Errorf("expected image/png part, got %q", ct)
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestExtract(t *testing.T) {
	srv := faceServer(t, http.StatusOK, `{
		"faces_count": 1,
		"faces": [{"face_index": 0, "dim": 3, "embedding": [0.1, 0.2, 0.3], "bbox": [10, 20, 110, 140], "det_score": 0.98}],
		"model": "buffalo_l"
	}`)
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	res, err := c.ExtractWithModel(context.Background(), pngBytes(t, 40, 30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "buffalo_l" || len(res.Faces) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	f := res.Faces[0]
	if f.Embedding.Dim() != 3 || f.BBox != [4]float64{10, 20, 110, 140} || f.DetScore != 0.98 {
		t.Errorf("unexpected face %+v", f)
	}
}

func TestExtract_NoFaces(t *testing.T) {
	srv := faceServer(t, http.StatusOK, `{"faces_count": 0, "faces": [], "model": "buffalo_l"}`)
	defer srv.Close()

	faces, err := NewClient(srv.URL, time.Second).Extract(context.Background(), pngBytes(t, 8, 8))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces, got %d", len(faces))
	}
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, "boom", ErrUnavailable},
		{"rejected image", http.StatusBadRequest, "cannot decode", ErrRejectedImage},
		{"malformed json", http.StatusOK, "{", ErrUnavailable},
		{"bad bbox", http.StatusOK, `{"faces":[{"embedding":[1],"bbox":[1,2]}]}`, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := faceServer(t, tt.status, tt.body)
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Extract(context.Background(), pngBytes(t, 8, 8))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExtract_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, time.Second).Extract(context.Background(), pngBytes(t, 8, 8))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestExtract_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, 0).Extract(ctx, pngBytes(t, 8, 8))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}
