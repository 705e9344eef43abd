package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tabi/internal/action"
	"tabi/internal/config"
)

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

// RemoteClient posts raw context to the agent backend. It never retries.
type RemoteClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewRemoteClient(cfg config.RemoteInferenceConfig, logger *zap.Logger) *RemoteClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.GetTimeout()},
		logger:  logger.Named("remote"),
	}
}

// Plan sends req to POST {base}/agent and decodes the plan in the reply.
func (c *RemoteClient) Plan(ctx context.Context, req AgentRequest) (action.Plan, error) {
	if c.baseURL == "" {
		return action.Plan{}, fmt.Errorf("%w: no remote base url configured", ErrUnavailable)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return action.Plan{}, fmt.Errorf("encode agent request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent", bytes.NewReader(body))
	if err != nil {
		return action.Plan{}, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return action.Plan{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return action.Plan{}, fmt.Errorf("%w: read body: %v", ErrBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		c.logger.Warn("agent returned error", zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return action.Plan{}, fmt.Errorf("%w: status %d", ErrBackend, resp.StatusCode)
	}

	plan, err := action.ParsePlan(raw)
	if err != nil {
		return action.Plan{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	c.logger.Debug("agent plan received", zap.String("action", string(plan.Action)), zap.Float64("confidence", plan.Confidence))
	return plan, nil
}

var _ RemoteProvider = (*RemoteClient)(nil)
