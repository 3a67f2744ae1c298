// Package server exposes the desk over HTTP: order submission and
// lookup, deposit sync and listing, and channel observability.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/orderdesk/internal/domain"
	"github.com/betbot/orderdesk/internal/services"
	"github.com/betbot/orderdesk/internal/storage"
	"github.com/betbot/orderdesk/pkg/reqchannel"
)

var log = logrus.WithField("component", "server")

type Server struct {
	store    *storage.Store
	engine   *services.Engine
	monitor  *services.Monitor
	scanner  *services.Scanner
	channels *reqchannel.Manager
}

func New(store *storage.Store, engine *services.Engine, monitor *services.Monitor,
	scanner *services.Scanner, channels *reqchannel.Manager) *Server {
	return &Server{
		store:    store,
		engine:   engine,
		monitor:  monitor,
		scanner:  scanner,
		channels: channels,
	}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")
	api.GET("/channels", s.handleChannels)

	orders := api.Group("/orders")
	orders.POST("", s.handleOrderSubmit)
	orders.GET("/:orderID", s.handleOrderGet)

	api.POST("/users", s.handleUserCreate)
	api.GET("/users", s.handleUserList)

	users := api.Group("/users/:userID")
	users.GET("/orders", s.handleUserOrders)
	users.POST("/deposits/sync", s.handleDepositSync)
	users.GET("/deposits", s.handleDepositList)
	users.GET("/deposits/summary", s.handleDepositSummary)

	return r
}

type userPayload struct {
	ID             string `json:"id" binding:"required"`
	Address        string `json:"address" binding:"required"`
	FunderAddress  string `json:"funder_address"`
	DerivationPath string `json:"derivation_path"`
}

func (s *Server) handleUserCreate(c *gin.Context) {
	var p userPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	existing, err := s.store.GetUser(c.Request.Context(), p.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
		return
	}
	funder := p.FunderAddress
	if funder == "" {
		funder = p.Address
	}
	u := &domain.User{
		ID:             p.ID,
		Address:        p.Address,
		FunderAddress:  funder,
		DerivationPath: p.DerivationPath,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.InsertUser(c.Request.Context(), u); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	log.WithField("user", u.ID).Info("user registered")
	c.JSON(http.StatusCreated, gin.H{"id": u.ID, "address": u.Address, "funder_address": u.FunderAddress})
}

func (s *Server) handleUserList(c *gin.Context) {
	users, err := s.store.ListUsers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, gin.H{
			"id":             u.ID,
			"address":        u.Address,
			"funder_address": u.FunderAddress,
			"created_at":     u.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

func (s *Server) handleChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.channels.Stats()})
}

type submitPayload struct {
	UserID      string  `json:"user_id" binding:"required"`
	ConditionID string  `json:"condition_id" binding:"required"`
	TokenID     string  `json:"token_id" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	Price       float64 `json:"price" binding:"required"`
	Size        float64 `json:"size" binding:"required"`
	// Await blocks until settlement or the monitor timeout.
	Await bool `json:"await"`
}

func (s *Server) handleOrderSubmit(c *gin.Context) {
	var p submitPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.engine.Submit(c.Request.Context(), &services.SubmitRequest{
		UserID:      p.UserID,
		ConditionID: p.ConditionID,
		TokenID:     p.TokenID,
		Side:        domain.Side(p.Side),
		Price:       p.Price,
		Size:        p.Size,
	})
	if err != nil {
		writeTradeError(c, err)
		return
	}

	if p.Await {
		order, err := s.monitor.Await(c.Request.Context(), res.OrderID, res.ExchangeOrderID, p.UserID)
		if err != nil {
			// The order is in; only the wait failed.
			c.JSON(http.StatusAccepted, gin.H{
				"order_id": res.OrderID,
				"status":   string(domain.StatusSubmitted),
				"wait":     tradeErrorBody(err),
			})
			return
		}
		c.JSON(http.StatusOK, orderBody(order))
		return
	}

	s.monitor.CheckAsync(res.OrderID, res.ExchangeOrderID, p.UserID)
	c.JSON(http.StatusCreated, gin.H{
		"order_id": res.OrderID,
		"price":    res.Price.ToDecimal(),
		"notional": res.Notional,
		"status":   string(res.Status),
	})
}

func (s *Server) handleOrderGet(c *gin.Context) {
	order, err := s.store.GetOrder(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, orderBody(order))
}

func (s *Server) handleUserOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	orders, err := s.store.ListOrdersByUser(c.Request.Context(), c.Param("userID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(orders))
	for i := range orders {
		out = append(out, orderBody(&orders[i]))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) handleDepositSync(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	res, err := s.scanner.Sync(c.Request.Context(), user)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDepositList(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	// live=1 scans the chain instead of reading storage.
	if c.Query("live") == "1" {
		var fromBlock *uint64
		if v := c.Query("from_block"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from_block"})
				return
			}
			fromBlock = &n
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		deposits, err := s.scanner.Scan(c.Request.Context(), user, fromBlock, limit)
		if err != nil {
			writeTradeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deposits": depositBodies(deposits)})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 100
	}
	deposits, err := s.store.ListDeposits(c.Request.Context(), user.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": depositBodies(deposits)})
}

func (s *Server) handleDepositSummary(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	// sync=0 skips the refresh and serves storage as is.
	autoSync := c.Query("sync") != "0"
	hist, err := s.scanner.CompleteHistory(c.Request.Context(), user, autoSync)
	if err != nil {
		writeTradeError(c, err)
		return
	}
	byStatus := gin.H{}
	for status, n := range hist.Summary.ByStatus {
		byStatus[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      hist.Summary.UserID,
		"count":        hist.Summary.Count,
		"by_status":    byStatus,
		"total":        hist.Summary.Total.String(),
		"latest_block": hist.Summary.LatestBlock,
		"deposits":     depositBodies(hist.Deposits),
	})
}

func (s *Server) loadUser(c *gin.Context) (*domain.User, bool) {
	user, err := s.store.GetUser(c.Request.Context(), c.Param("userID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return nil, false
	}
	return user, true
}

func orderBody(o *domain.Order) gin.H {
	body := gin.H{
		"order_id":   o.ID,
		"user_id":    o.UserID,
		"side":       string(o.Side),
		"token_id":   o.TokenID,
		"price":      o.Price.ToDecimal(),
		"size":       o.Size,
		"notional":   o.Notional,
		"status":     string(o.Status),
		"created_at": o.CreatedAt.Format(time.RFC3339),
	}
	if o.SettledAt != nil {
		body["settled_at"] = o.SettledAt.Format(time.RFC3339)
	}
	if o.ExecutionHash != "" {
		body["execution_hash"] = o.ExecutionHash
	}
	if o.FailureReason != "" {
		body["failure_reason"] = o.FailureReason
	}
	return body
}

func depositBodies(deposits []domain.DepositRecord) []gin.H {
	out := make([]gin.H, 0, len(deposits))
	for _, d := range deposits {
		out = append(out, gin.H{
			"tx_hash":      d.TxHash,
			"amount":       d.Amount.String(),
			"block_number": d.BlockNumber,
			"timestamp":    d.Timestamp.Format(time.RFC3339),
			"status":       string(d.Status),
		})
	}
	return out
}

// writeTradeError maps the failure taxonomy onto HTTP.
func writeTradeError(c *gin.Context, err error) {
	var te *services.TradeError
	if !errors.As(err, &te) {
		log.WithField("error", err).Error("unclassified handler error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch te.Code {
	case services.CodeQuotaExceeded:
		status = http.StatusTooManyRequests
		if te.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())))
		}
	case services.CodeNotFound:
		status = http.StatusNotFound
	case services.CodeInsufficientBalance, services.CodeBelowMinimumSize,
		services.CodeInvalidPrice, services.CodeSignatureMismatch:
		status = http.StatusUnprocessableEntity
	case services.CodeUpstreamBlocked:
		status = http.StatusBadGateway
	case services.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, tradeErrorBody(err))
}

func tradeErrorBody(err error) gin.H {
	var te *services.TradeError
	if !errors.As(err, &te) {
		return gin.H{"error": err.Error()}
	}
	body := gin.H{"code": string(te.Code), "error": te.Error()}
	if te.RetryAfter > 0 {
		body["retry_after_sec"] = int(te.RetryAfter.Seconds())
	}
	return body
}
