package detection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"attendscan/internal/model"
	"attendscan/pkg/logger"
)

// VerifyResult contains a 1:1 verification answer from the face service.
type VerifyResult struct {
	StudentID  string  `json:"student_id"`
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

// FaceService asks a remote face service whether the targeted student is in view.
// In Skip mode it delegates to Fallback and never touches the network.
type FaceService struct {
	BaseURL  string
	HTTP     *http.Client
	Skip     bool
	Fallback Detector
	Logger   *zap.Logger
}

// NewFaceService creates a client with a bounded request timeout.
func NewFaceService(baseURL string, skip bool, fallback Detector, log *zap.Logger) *FaceService {
	if fallback == nil {
		fallback = NewSimulator(DefaultProbability, nil)
	}
	return &FaceService{
		BaseURL:  baseURL,
		Skip:     skip,
		Fallback: fallback,
		Logger:   logger.OrNop(log),
		HTTP: &http.Client{
			Timeout: 2 * time.Second, // must stay below the tick interval
		},
	}
}

// Attempt implements Detector. Transport and decoding failures count as "no match".
func (c *FaceService) Attempt(ctx context.Context, target model.Student) bool {
	if c.Skip {
		return c.Fallback.Attempt(ctx, target)
	}
	res, err := c.Verify(ctx, target)
	if err != nil {
		c.Logger.Debug("face verify failed",
			zap.String(logger.FieldStudentID, target.ID),
			zap.Error(err))
		return false
	}
	return res.Verified
}

// Verify performs one verification request for the student.
func (c *FaceService) Verify(ctx context.Context, target model.Student) (*VerifyResult, error) {
	body, err := json.Marshal(map[string]string{
		"student_id": target.ID,
		"photo":      target.Photo,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *FaceService) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
