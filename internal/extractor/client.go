// Package extractor talks to the face embedding server and probes image geometry.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/rollcall/internal/embedding"
)

const defaultExtractorURL = "http://localhost:8000"

// ErrUnavailable is returned when the embedding server cannot be reached or fails.
var ErrUnavailable = errors.New("face extractor unavailable")

// ErrRejectedImage is returned when the embedding server refuses the image itself.
var ErrRejectedImage = errors.New("image rejected by face extractor")

// Face is one detected face.
type Face struct {
	Embedding embedding.Vector
	BBox      [4]float64 // x1, y1, x2, y2 in pixels
	DetScore  float64
}

// faceDetection represents a single detected face in the server response
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// faceResponse represents the response from the face embedding endpoint
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Client computes face embeddings using the embedding server
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new extractor client. A zero timeout leaves requests bounded only by ctx.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultExtractorURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Extract detects faces in an image and returns their embeddings, in server order.
func (c *Client) Extract(ctx context.Context, imageData []byte) ([]Face, error) {
	resp, err := c.ExtractWithModel(ctx, imageData)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// Result is a full extraction response.
type Result struct {
	Faces []Face
	Model string
}

// ExtractWithModel is Extract plus the model name reported by the server.
func (c *Client) ExtractWithModel(ctx context.Context, imageData []byte) (*Result, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var faceResp faceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %w", ErrUnavailable, err)
	}

	result := &Result{Model: faceResp.Model, Faces: make([]Face, 0, len(faceResp.Faces))}
	for _, f := range faceResp.Faces {
		if len(f.Embedding) == 0 {
			return nil, fmt.Errorf("%w: face %d has an empty embedding", ErrUnavailable, f.FaceIndex)
		}
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("%w: face %d has a malformed bbox", ErrUnavailable, f.FaceIndex)
		}
		result.Faces = append(result.Faces, Face{
			Embedding: embedding.Vector(f.Embedding),
			BBox:      [4]float64{f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]},
			DetScore:  f.DetScore,
		})
	}
	return result, nil
}

// postMultipartImage posts the image as the "file" part with a Content-Type from magic byte detection.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="probe.jpg"`)
	h.Set("Content-Type", DetectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		// Keep the context error visible so callers can tell a deadline from an outage.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: request failed: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w (status %d): %s", ErrRejectedImage, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("%w: API error (status %d): %s", ErrUnavailable, resp.StatusCode, string(body))
	}
}
