package coverletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	x402 "github.com/vitwit/x402-gateway"
	"github.com/vitwit/x402-gateway/logger"
	"github.com/vitwit/x402-gateway/metrics"
	"github.com/vitwit/x402-gateway/types"
	"github.com/vitwit/x402-gateway/utils"
)

const (
	Path = "/api/generate-cover-letter"

	deliveryTimeout = 30 * time.Second
	maxBodyBytes    = 128 << 10
	protocolName    = "x402 v1.0"
	paidMessage     = "Payment verified and settled! This cover letter was delivered using x402 gasless micropayments."
)

// Response is the 200 body of the generate route.
type Response struct {
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	CoverLetter   string    `json:"coverLetter"`
	SentTo        string    `json:"sentTo"`
	CompanyName   string    `json:"companyName,omitempty"`
	PositionTitle string    `json:"positionTitle,omitempty"`
	GeneratedAt   time.Time `json:"generatedAt"`
	Metadata      Metadata  `json:"metadata"`
}

type Metadata struct {
	Cost        string        `json:"cost"`
	Protocol    string        `json:"protocol"`
	Network     types.Network `json:"network"`
	Facilitator string        `json:"facilitator"`
	Timestamp   time.Time     `json:"timestamp"`
	Message     string        `json:"message"`
	Settlement  *Settlement   `json:"settlement,omitempty"`
}

// Settlement is the caller-facing summary of the on-chain transfer.
type Settlement struct {
	Transaction string `json:"transaction"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Explorer    string `json:"explorer,omitempty"`
	Payer       string `json:"payer"`
}

type Handler struct {
	generator   Generator
	mailer      Mailer
	network     types.Network
	price       string
	facilitator string

	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time

	deliveries sync.WaitGroup
}

type Option func(*Handler)

func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(h *Handler) {
		h.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler serves the cover letter route. cfg supplies the network, list
// price and facilitator reported in responses.
func NewHandler(gen Generator, mailer Mailer, cfg types.GatewayConfig, opts ...Option) *Handler {
	h := &Handler{
		generator:   gen,
		mailer:      mailer,
		network:     cfg.Network,
		price:       cfg.Pricing.Unverified.Price,
		facilitator: cfg.FacilitatorURL,
		logger:      logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the route. gate runs in front of POST only; GET describes
// the route and is free.
func (h *Handler) Register(r gin.IRoutes, gate gin.HandlerFunc) {
	r.GET(Path, h.Describe)
	if gate == nil {
		r.POST(Path, h.Generate)
		return
	}
	r.POST(Path, gate, h.Generate)
}

func (h *Handler) Generate(c *gin.Context) {
	log := h.logger.With(map[string]any{"request_id": x402.RequestIDFromContext(c.Request.Context())})

	in, err := decodeInput(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "Validation error",
			Details: types.FieldErrors(err),
		})
		return
	}

	start := h.now()
	letter, err := h.generator.Generate(c.Request.Context(), in)
	metrics.Since(h.metrics, metrics.OpGenerate, start, map[string]string{"network": h.network.String()})
	if err != nil {
		log.Error("cover letter generation failed", map[string]any{"error": err})
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "Internal server error",
			Message: errorMessage(err),
		})
		return
	}

	h.deliver(log, in, letter)

	now := h.now().UTC()
	resp := Response{
		Success:       true,
		Message:       "Cover letter generated and sent to your email",
		CoverLetter:   letter,
		SentTo:        in.Email,
		CompanyName:   in.CompanyName,
		PositionTitle: in.PositionTitle,
		GeneratedAt:   now,
		Metadata: Metadata{
			Cost:        "$" + h.price,
			Protocol:    protocolName,
			Network:     h.network,
			Facilitator: h.facilitator,
			Timestamp:   now,
			Message:     paidMessage,
		},
	}
	if req, ok := x402.RequirementFromContext(c.Request.Context()); ok {
		resp.Metadata.Cost = "$" + req.Price
		resp.Metadata.Network = req.Network
	}
	if s, ok := x402.SettlementFromContext(c.Request.Context()); ok {
		resp.Metadata.Settlement = &Settlement{
			Transaction: s.TransactionHash,
			BlockNumber: s.BlockNumber,
			Explorer:    s.ExplorerURL,
			Payer:       s.PayerAddress,
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Precheck rejects a request whose body Generate would refuse. Mount it on
// the gateway with x402.WithPrecheck so a bad body is turned away before
// the caller is charged.
func Precheck(r *http.Request) error {
	_, err := decodeInput(r)
	return err
}

// decodeInput reads and validates the request body, leaving r.Body
// readable again for the next consumer.
func decodeInput(r *http.Request) (Input, error) {
	var in Input
	if r.Body == nil {
		return in, invalidBody("must be a JSON object")
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return in, invalidBody("could not be read")
	}
	if len(b) > maxBodyBytes {
		return in, invalidBody(fmt.Sprintf("must be at most %d bytes", maxBodyBytes))
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return in, invalidBody("must be a JSON object")
	}
	if details := utils.ValidateStruct(&in); len(details) > 0 {
		return in, &types.X402Error{
			Code:    types.ErrValidationError,
			Message: "invalid cover letter request",
			Data:    details,
		}
	}
	return in, nil
}

func invalidBody(msg string) error {
	return &types.X402Error{
		Code:    types.ErrValidationError,
		Message: "invalid request body",
		Data:    []types.FieldError{{Field: "body", Message: msg}},
	}
}

// deliver mails the letter in the background. The caller has paid and gets
// the letter in the response either way, so failures are only logged.
func (h *Handler) deliver(log logger.Logger, in Input, letter string) {
	h.deliveries.Add(1)
	go func() {
		defer h.deliveries.Done()

		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()

		outcome := "delivered"
		if err := h.mailer.Send(ctx, in.Email, Subject(in), letter); err != nil {
			outcome = "failed"
			log.Warn("failed to send cover letter email", map[string]any{
				"to":    in.Email,
				"error": err,
			})
		}
		h.metrics.IncCounter(metrics.EventDelivery, map[string]string{
			"network": h.network.String(),
			"outcome": outcome,
		})
	}()
}

// Wait blocks until background deliveries finish.
func (h *Handler) Wait() {
	h.deliveries.Wait()
}

// Describe answers GET with the route's contract.
func (h *Handler) Describe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"endpoint":    Path,
		"method":      http.MethodPost,
		"description": "Generate personalized cover letter and send via email",
		"price":       h.price + " USDC",
		"network":     h.network,
		"inputSchema": gin.H{
			"email":          "string (email format, required)",
			"jobDescription": "string (50-5000 chars, required)",
			"resume":         "string (100-10000 chars, required)",
			"companyName":    "string (optional)",
			"positionTitle":  "string (optional)",
		},
		"outputSchema": gin.H{
			"success":     "boolean",
			"message":     "string",
			"coverLetter": "string (full cover letter text)",
			"sentTo":      "string (email)",
			"generatedAt": "string (ISO 8601)",
			"metadata": gin.H{
				"cost":        "string (USD amount)",
				"protocol":    "string (x402 version)",
				"network":     "string (blockchain network)",
				"facilitator": "string (facilitator service)",
				"timestamp":   "string (ISO 8601)",
				"message":     "string (payment confirmation)",
				"settlement": gin.H{
					"transaction": "string (transaction hash)",
					"blockNumber": "number (block number)",
					"explorer":    "string (block explorer URL)",
					"payer":       "string (payer address)",
				},
			},
		},
	})
}

func errorMessage(err error) string {
	if types.IsCode(err, types.ErrGenerationError) {
		return err.Error()
	}
	return "cover letter generation failed"
}
