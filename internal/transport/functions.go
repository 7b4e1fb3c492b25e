package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/sirupsen/logrus"

	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/config"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/internal/models"
	"github.com/ticnutai10-gif/ten-archflow-crm-sub005/pkg/utils"
)

// FunctionClient invokes hosted messaging functions over HTTP.
// A channel maps to POST {base_url}/functions/{channel} with params as the JSON body.
type FunctionClient struct {
	client *req.Client
	apiKey string
	logger *logrus.Entry
}

// NewFunctionClient creates a client for the hosted functions endpoint.
func NewFunctionClient(cfg config.FunctionsConfig, logger *logrus.Logger) *FunctionClient {
	client := req.C().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetUserAgent("crm-automation")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	// Sends are not idempotent: only calls that never got an answer are
	// retried, since a 5xx can follow a message that was already delivered.
	if cfg.RetryCount > 0 {
		client.SetCommonRetryCount(cfg.RetryCount).
			SetCommonRetryCondition(func(resp *req.Response, err error) bool {
				return err != nil
			})
	}

	return &FunctionClient{
		client: client,
		apiKey: cfg.APIKey,
		logger: utils.ComponentLogger(logger, "function_client"),
	}
}

// Name implements Sender.
func (c *FunctionClient) Name() string { return KindFunctions }

// Invoke calls the function named after channel. A non-2xx answer is an
// error; a 2xx answer carrying an "error" field is returned as a response.
func (c *FunctionClient) Invoke(ctx context.Context, channel string, params map[string]interface{}) (*models.TransportResponse, error) {
	var result models.TransportResponse
	var failure models.TransportResponse

	r := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		SetSuccessResult(&result).
		SetErrorResult(&failure)
	if c.apiKey != "" {
		r.SetBearerAuthToken(c.apiKey)
	}

	resp, err := r.Post("/functions/" + channel)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeExternal, "Function invocation failed", err.Error())
	}
	if resp.IsErrorState() {
		detail := failure.Error
		if detail == "" {
			detail = strings.TrimSpace(resp.String())
		}
		return nil, utils.NewAppError(utils.ErrCodeExternal,
			fmt.Sprintf("Function %s returned %d", channel, resp.StatusCode), detail)
	}

	c.logger.WithFields(logrus.Fields{
		"channel":    channel,
		"status":     resp.StatusCode,
		"message_id": result.ID(),
	}).Debug("Function invoked")

	return &result, nil
}
