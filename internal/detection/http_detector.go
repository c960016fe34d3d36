package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"ProctorStream/internal/model"
)

// GazeCenter 分析服务返回的正视结果
const GazeCenter = "Looking center"

// AnalyzeResponse 分析服务 POST /analyze 的响应
type AnalyzeResponse struct {
	Emotion   string `json:"emotion,omitempty"`
	Gaze      string `json:"gaze"`
	FaceCount int    `json:"face_count"`
	Voice     bool   `json:"voice,omitempty"`
}

// Detections 将分析结果映射为检测结果
func (r AnalyzeResponse) Detections() []model.Detection {
	var out []model.Detection
	if r.FaceCount > 1 {
		out = append(out, model.Detection{Kind: model.KindMultipleFaces, Confidence: 1})
	}
	// "Undetected" 也视为离开屏幕
	if r.Gaze != "" && r.Gaze != GazeCenter {
		out = append(out, model.Detection{Kind: model.KindGazeAway, Confidence: 1})
	}
	if r.Voice {
		out = append(out, model.Detection{Kind: model.KindVoiceActivity, Confidence: 1})
	}
	return out
}

// HTTPDetector 通过 HTTP 调用外部分析服务
type HTTPDetector struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDetector 创建 HTTP 检测器，baseURL 形如 http://host:5000
func NewHTTPDetector(baseURL string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDetector{
		endpoint: strings.TrimRight(baseURL, "/") + "/analyze",
		client:   &http.Client{Timeout: timeout},
	}
}

// Detect 实现 Detector
func (h *HTTPDetector) Detect(ctx context.Context, frame model.Frame) ([]model.Detection, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("frame", fmt.Sprintf("frame-%d.jpg", frame.Seq))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(frame.Payload); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analyze service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var ar AnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode analyze response: %w", err)
	}
	return ar.Detections(), nil
}
