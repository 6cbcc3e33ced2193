package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/metrics"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const maxResponseBytes = 1 << 20

// Settler interface defines the contract for payment settlement
type Settler interface {
	Settle(ctx context.Context, env *types.PaymentEnvelope, req *types.PaymentRequirement) (*types.SettlementResult, error)
}

// RemoteVerifier asks the facilitator to pre-check a payment.
type RemoteVerifier interface {
	Verify(ctx context.Context, env *types.PaymentEnvelope, req *types.PaymentRequirement) (*types.VerifyResponse, error)
}

// Config configures a FacilitatorClient.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout is the hard ceiling for one Settle call, retries included.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// FacilitatorClient settles payments through an x402 facilitator over HTTP.
type FacilitatorClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	httpClient *http.Client
	logger     logger.Logger
	metrics    metrics.Recorder
	now        func() time.Time
}

type Option func(*FacilitatorClient)

func WithHTTPClient(c *http.Client) Option {
	return func(f *FacilitatorClient) {
		f.httpClient = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(f *FacilitatorClient) {
		f.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *FacilitatorClient) {
		f.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *FacilitatorClient) {
		f.now = now
	}
}

// NewFacilitatorClient creates a client. Zero durations and counts fall back
// to the package defaults; MaxRetries < 0 disables retries.
func NewFacilitatorClient(cfg Config, opts ...Option) *FacilitatorClient {
	c := &FacilitatorClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		httpClient: &http.Client{},
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
		now:        time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = types.DefaultSettleTimeout
	}
	if c.maxRetries == 0 {
		c.maxRetries = types.DefaultSettleMaxRetries
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = types.DefaultRetryBaseDelay
	}
	if c.maxDelay <= 0 {
		c.maxDelay = types.DefaultRetryMaxDelay
	}
	if c.maxDelay <= c.baseDelay {
		c.maxDelay = 2 * c.baseDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// transientError marks a failure worth retrying: the facilitator was
// unreachable, overloaded or failed internally.
type transientError struct {
	status int
	err    error
}

func (e *transientError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("facilitator returned %d: %v", e.status, e.err)
	}
	return fmt.Sprintf("facilitator unreachable: %v", e.err)
}

func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// newRetryPolicy retries transient failures only. Rejections fall straight
// through to the caller on the first attempt.
func newRetryPolicy[R any](maxRetries int, baseDelay, maxDelay time.Duration) retrypolicy.RetryPolicy[R] {
	return retrypolicy.NewBuilder[R]().
		WithBackoff(baseDelay, maxDelay).
		WithMaxRetries(maxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ R, err error) bool {
			return isTransient(err)
		}).
		Build()
}

// Settle submits the payment and waits for the facilitator's verdict. The
// call runs detached from ctx's cancellation so that a caller hanging up
// cannot leave the outcome unknown; it is bounded by the client timeout
// instead. A facilitator rejection is returned at once as
// SettlementRejected. Anything else that is still failing once retries or
// the timeout run out becomes SettlementTimeout.
func (c *FacilitatorClient) Settle(ctx context.Context, env *types.PaymentEnvelope, req *types.PaymentRequirement) (*types.SettlementResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := c.now()
	labels := map[string]string{"network": req.Network.String()}
	defer metrics.Since(c.metrics, metrics.OpSettle, start, labels)

	body, err := json.Marshal(facilitatorRequest(env, req))
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to marshal settle request", err)
	}

	attempt := 0
	resp, err := failsafe.With(newRetryPolicy[*types.SettleResponse](c.maxRetries, c.baseDelay, c.maxDelay)).
		WithContext(ctx).
		Get(func() (*types.SettleResponse, error) {
			attempt++
			r, err := c.postSettle(ctx, body)
			if err != nil && isTransient(err) {
				c.logger.Warn("facilitator settle attempt failed", map[string]any{
					"attempt": attempt,
					"network": req.Network.String(),
					"error":   err,
				})
			}
			return r, err
		})

	if err != nil {
		if types.IsCode(err, types.ErrSettlementRejected) {
			c.metrics.IncCounter(metrics.EventSettlement, map[string]string{"network": req.Network.String(), "outcome": "rejected"})
			return nil, err
		}
		c.metrics.IncCounter(metrics.EventSettlement, map[string]string{"network": req.Network.String(), "outcome": "timeout"})
		return nil, &types.X402Error{
			Code:    types.ErrSettlementTimeout,
			Message: fmt.Sprintf("settlement did not complete after %d attempt(s)", attempt),
			Err:     err,
		}
	}

	result := c.toResult(resp, env, req)
	c.metrics.IncCounter(metrics.EventSettlement, map[string]string{"network": req.Network.String(), "outcome": "settled"})
	return result, nil
}

func (c *FacilitatorClient) postSettle(ctx context.Context, body []byte) (*types.SettleResponse, error) {
	httpResp, err := c.do(ctx, http.MethodPost, "/settle", body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &transientError{err: err}
	}

	if err := classifyStatus(httpResp.StatusCode, data); err != nil {
		return nil, err
	}

	var resp types.SettleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, types.WrapError(types.ErrSettlementRejected, "unreadable facilitator settle response", err)
	}
	if !resp.Success {
		return nil, rejected(resp.ErrorReason)
	}
	if resp.Transaction == "" {
		return nil, types.NewError(types.ErrSettlementRejected, "facilitator reported success without a transaction")
	}
	return &resp, nil
}

// Verify calls the facilitator's /verify endpoint with the same retry policy
// as Settle. An invalid verdict is returned as SettlementRejected.
func (c *FacilitatorClient) Verify(ctx context.Context, env *types.PaymentEnvelope, req *types.PaymentRequirement) (*types.VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	defer metrics.Since(c.metrics, metrics.OpVerify, start, map[string]string{"network": req.Network.String()})

	body, err := json.Marshal(facilitatorRequest(env, req))
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to marshal verify request", err)
	}

	resp, err := failsafe.With(newRetryPolicy[*types.VerifyResponse](c.maxRetries, c.baseDelay, c.maxDelay)).
		WithContext(ctx).
		Get(func() (*types.VerifyResponse, error) {
			httpResp, err := c.do(ctx, http.MethodPost, "/verify", body)
			if err != nil {
				return nil, err
			}
			defer httpResp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
			if err != nil {
				return nil, &transientError{err: err}
			}
			if err := classifyStatus(httpResp.StatusCode, data); err != nil {
				return nil, err
			}

			var vr types.VerifyResponse
			if err := json.Unmarshal(data, &vr); err != nil {
				return nil, types.WrapError(types.ErrSettlementRejected, "unreadable facilitator verify response", err)
			}
			return &vr, nil
		})

	if err != nil {
		if types.IsCode(err, types.ErrSettlementRejected) {
			return nil, err
		}
		return nil, types.WrapError(types.ErrSettlementTimeout, "facilitator verify did not complete", err)
	}
	if !resp.IsValid {
		return resp, rejected(resp.InvalidReason)
	}
	return resp, nil
}

// Supported lists the scheme/network pairs the facilitator can settle.
func (c *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpResp, err := c.do(ctx, http.MethodGet, "/supported", nil)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator /supported returned %d", httpResp.StatusCode)
	}

	var out types.SupportedResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &out, nil
}

func (c *FacilitatorClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, "failed to create facilitator request", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &transientError{err: err}
	}
	return resp, nil
}

// classifyStatus maps a non-200 status onto a transient error (5xx, 408,
// 429) or a rejection (any other status).
func classifyStatus(status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return &transientError{status: status, err: errors.New(snippet(body))}
	}

	var e struct {
		Error         string `json:"error"`
		ErrorReason   string `json:"errorReason"`
		InvalidReason string `json:"invalidReason"`
		Message       string `json:"message"`
	}
	_ = json.Unmarshal(body, &e)
	reason := firstNonEmpty(e.ErrorReason, e.InvalidReason, e.Error, e.Message, http.StatusText(status))
	return rejected(reason)
}

func rejected(reason string) error {
	if reason == "" {
		reason = "unspecified"
	}
	return &types.X402Error{
		Code:    types.ErrSettlementRejected,
		Message: "facilitator rejected payment: " + reason,
		Data:    map[string]any{"reason": reason},
	}
}

func facilitatorRequest(env *types.PaymentEnvelope, req *types.PaymentRequirement) types.FacilitatorRequest {
	return types.FacilitatorRequest{
		X402Version: int(types.X402Version1),
		PaymentPayload: types.PaymentPayload{
			X402Version: int(types.X402Version1),
			Scheme:      types.SchemeExact,
			Network:     env.Network,
			Payload: types.ExactEVMPayload{
				Signature:     env.Signature,
				Authorization: env.Authorization,
			},
		},
		PaymentRequirements: *req,
	}
}

func (c *FacilitatorClient) toResult(resp *types.SettleResponse, env *types.PaymentEnvelope, req *types.PaymentRequirement) *types.SettlementResult {
	if err := utils.ValidateTransactionHash(resp.Transaction); err != nil {
		c.logger.Warn("facilitator returned an unusual transaction hash", map[string]any{
			"transaction": resp.Transaction,
			"error":       err,
		})
	}

	payer := firstNonEmpty(resp.Payer, env.Authorization.From)
	return &types.SettlementResult{
		TransactionHash: resp.Transaction,
		BlockNumber:     parseBlockNumber(resp.BlockNumber),
		ExplorerURL:     req.Network.ExplorerURL(resp.Transaction),
		PayerAddress:    payer,
		Network:         req.Network,
		SettledAt:       c.now().UTC(),
	}
}

// parseBlockNumber accepts 123, "123" and "0x7b". Anything else is 0.
func parseBlockNumber(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0
	}
	if strings.HasPrefix(s, "0x") {
		v, err := hexutil.DecodeUint64(s)
		if err != nil {
			return 0
		}
		return v
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
