package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payhub/internal/auth"
	"github.com/terminal-bench/payhub/internal/engine"
	"github.com/terminal-bench/payhub/internal/token"
	"github.com/terminal-bench/payhub/pkg/messaging"
)

// Gateway exposes the engine boundary over HTTP plus a websocket feed of
// the audit events.
type Gateway struct {
	router      *gin.Engine
	engine      *engine.Engine
	authsvc     *auth.Service
	msgClient   *messaging.Client
	wsClients   map[uuid.UUID]*wsClient
	wsMu        sync.RWMutex
	rateLimiter *rateLimiter
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Config holds gateway settings.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// New builds the gateway and its routes.
func New(cfg Config, eng *engine.Engine, authsvc *auth.Service, msgClient *messaging.Client) *Gateway {
	g := &Gateway{
		router:    gin.Default(),
		engine:    eng,
		authsvc:   authsvc,
		msgClient: msgClient,
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/payments", g.authMiddleware(), g.createPayment)
		v1.POST("/claims", g.authMiddleware(), g.createClaim)
		v1.GET("/balances/:seller/:token", g.getBalance)

		v1.GET("/policy", g.getPolicy)
		v1.PUT("/policy/commission", g.authMiddleware(), g.adminMiddleware(), g.setCommission)
		v1.PUT("/policy/payout", g.authMiddleware(), g.adminMiddleware(), g.setPayout)

		v1.GET("/ws", g.handleWebSocket)
	}
}

// Start subscribes the websocket feed to the audit subjects. Call before
// serving; requires a connected messaging client.
func (g *Gateway) Start() error {
	if g.msgClient == nil {
		return nil
	}
	subjects := []string{
		messaging.SubjectPaid,
		messaging.SubjectClaimed,
		messaging.SubjectCommissionUpdated,
		messaging.SubjectPayoutUpdated,
	}
	for _, subject := range subjects {
		if err := g.msgClient.Subscribe(subject, g.broadcast); err != nil {
			return fmt.Errorf("failed to subscribe feed to %s: %w", subject, err)
		}
	}
	return nil
}

// Handler returns the HTTP handler for serving.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.authsvc.VerifyToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("claims", claims)
		c.Next()
	}
}

func (g *Gateway) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := c.MustGet("claims").(*auth.Claims)
		if !claims.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type permitPayload struct {
	Owner     string    `json:"owner" binding:"required"`
	Spender   string    `json:"spender" binding:"required"`
	Token     string    `json:"token" binding:"required"`
	Value     string    `json:"value" binding:"required"`
	Deadline  time.Time `json:"deadline" binding:"required"`
	Signature []byte    `json:"signature" binding:"required"`
}

type paymentRequest struct {
	Seller    string         `json:"seller" binding:"required"`
	Token     string         `json:"token" binding:"required"`
	Amount    string         `json:"amount" binding:"required"`
	ServiceID uint64         `json:"service_id"`
	InvoiceID uint64         `json:"invoice_id"`
	Permit    *permitPayload `json:"permit"`
}

func (g *Gateway) createPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "code": "invalid_argument"})
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_argument"})
		return
	}

	var permit *token.Permit
	if req.Permit != nil {
		value, err := parseAmount(req.Permit.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_argument"})
			return
		}
		permit = &token.Permit{
			Owner:     token.Address(req.Permit.Owner),
			Spender:   token.Address(req.Permit.Spender),
			Token:     token.Address(req.Permit.Token),
			Value:     value,
			Deadline:  req.Permit.Deadline,
			Signature: req.Permit.Signature,
		}
	}

	claims := c.MustGet("claims").(*auth.Claims)
	receipt, err := g.engine.Pay(c.Request.Context(), token.Address(claims.Address), engine.PaymentRequest{
		Seller:    token.Address(req.Seller),
		Token:     token.Address(req.Token),
		Amount:    amount,
		ServiceID: req.ServiceID,
		InvoiceID: req.InvoiceID,
		Permit:    permit,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"buyer":         string(receipt.Buyer),
		"seller":        string(receipt.Seller),
		"token":         string(receipt.Token),
		"amount":        strconv.FormatUint(receipt.Amount, 10),
		"seller_share":  strconv.FormatUint(receipt.SellerShare, 10),
		"company_share": strconv.FormatUint(receipt.CompanyShare, 10),
		"service_id":    receipt.ServiceID,
		"invoice_id":    receipt.InvoiceID,
	})
}

type claimRequest struct {
	Token string `json:"token" binding:"required"`
}

func (g *Gateway) createClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "code": "invalid_argument"})
		return
	}

	claims := c.MustGet("claims").(*auth.Claims)
	receipt, err := g.engine.Claim(c.Request.Context(), token.Address(claims.Address), token.Address(req.Token))
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"seller": string(receipt.Seller),
		"token":  string(receipt.Token),
		"amount": strconv.FormatUint(receipt.Amount, 10),
	})
}

func (g *Gateway) getBalance(c *gin.Context) {
	seller := token.Address(c.Param("seller"))
	tok := token.Address(c.Param("token"))

	amount, err := g.engine.GetBalance(c.Request.Context(), seller, tok)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"seller":  string(seller),
		"token":   string(tok),
		"balance": strconv.FormatUint(amount, 10),
	})
}

func (g *Gateway) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"commission_rate_bps": g.engine.CommissionRate(),
		"payout_address":      string(g.engine.PayoutAddress()),
	})
}

type commissionRequest struct {
	RateBps *uint64 `json:"rate_bps" binding:"required"`
}

func (g *Gateway) setCommission(c *gin.Context) {
	var req commissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "code": "invalid_argument"})
		return
	}

	claims := c.MustGet("claims").(*auth.Claims)
	if err := g.engine.SetCommissionRate(c.Request.Context(), token.Address(claims.Address), *req.RateBps); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"commission_rate_bps": *req.RateBps})
}

type payoutRequest struct {
	Address string `json:"address" binding:"required"`
}

func (g *Gateway) setPayout(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "code": "invalid_argument"})
		return
	}

	claims := c.MustGet("claims").(*auth.Claims)
	if err := g.engine.SetPayoutAddress(c.Request.Context(), token.Address(claims.Address), token.Address(req.Address)); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout_address": req.Address})
}

// Error mapping

func (g *Gateway) renderError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "code": codeFor(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument),
		errors.Is(err, engine.ErrAuthorizationMismatch),
		errors.Is(err, engine.ErrFeeTooHigh):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, engine.ErrAuthorizationRejected):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNothingToClaim),
		errors.Is(err, engine.ErrOverflow):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTransferFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, engine.ErrAuthorizationMismatch):
		return "authorization_mismatch"
	case errors.Is(err, engine.ErrAuthorizationRejected):
		return "authorization_rejected"
	case errors.Is(err, engine.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, engine.ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, engine.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, engine.ErrFeeTooHigh):
		return "fee_too_high"
	case errors.Is(err, engine.ErrOverflow):
		return "overflow"
	default:
		return "internal"
	}
}

// parseAmount parses a decimal-string token amount into base units. Exact
// integer strings only; no floats anywhere near money.
func parseAmount(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("amount %q is not a whole number of base units", s)
	}
	amount, err := strconv.ParseUint(d.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is out of range", s)
	}
	return amount, nil
}

// Websocket feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// broadcast fans an audit event out to every connected observer. Slow
// clients drop messages rather than block the feed.
func (g *Gateway) broadcast(msg *nats.Msg) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- msg.Data:
		default:
		}
	}
}

// Rate limiting

type rateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.limit <= 0 {
		return true
	}

	cutoff := time.Now().Add(-rl.window)
	valid := make([]time.Time, 0)
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, time.Now())
	return true
}
