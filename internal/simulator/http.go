package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"authrisk/internal/model"
)

// HTTPSink posts attempts to the REST ingest and registers users through
// the admin API. An empty APIURL skips registration.
type HTTPSink struct {
	IngestURL string
	APIURL    string
	Client    *http.Client
}

func NewHTTPSink(ingestURL, apiURL string) *HTTPSink {
	return &HTTPSink{
		IngestURL: strings.TrimRight(ingestURL, "/"),
		APIURL:    strings.TrimRight(apiURL, "/"),
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPSink) LogAttempt(ctx context.Context, in model.AttemptInput) (model.RiskAssessment, error) {
	var a model.RiskAssessment
	err := h.post(ctx, h.IngestURL+"/attempts", in, &a)
	return a, err
}

func (h *HTTPSink) RegisterUser(ctx context.Context, username string) error {
	if h.APIURL == "" {
		return nil
	}
	return h.post(ctx, h.APIURL+"/users", map[string]string{"username": username}, nil)
}

func (h *HTTPSink) post(ctx context.Context, url string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// statusError turns an error response back into the engine's sentinels.
func statusError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	switch status {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w: %s", model.ErrInvalidInput, model.ErrDuplicateAttempt, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", model.ErrInvalidInput, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", model.ErrStorageUnavailable, msg)
	default:
		return fmt.Errorf("http %d: %s", status, msg)
	}
}
