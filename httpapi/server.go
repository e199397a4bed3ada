// Package httpapi exposes the Settlement Service over HTTP using Gin, in
// the same handler shape as the pack's own Gin payment middleware: decode
// request, call the domain service, translate a SettlementError into a
// status code and a JSON body carrying the error text and its kind.
package httpapi

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/s402-core/settlement/domain"
	"github.com/s402-core/settlement/metrics"
	"github.com/s402-core/settlement/settlement"
)

// Server wires the Settlement Service's verify/submit pipeline to a small
// set of HTTP routes; the Indexer itself is not reachable over HTTP — it
// only feeds the Aggregate Store dashboards read from directly.
type Server struct {
	svc    *settlement.Service
	engine *gin.Engine
}

func NewServer(svc *settlement.Service) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{svc: svc, engine: engine}
	engine.POST("/settle", s.handleSettle)
	engine.POST("/settle/batch", s.handleSettleBatch)
	engine.GET("/payments/used", s.handlePaymentUsed)
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleSettle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	auth, err := settlement.ParseAuthorization(body)
	if err != nil {
		writeSettlementError(c, err)
		return
	}

	txHash, err := s.svc.Settle(c.Request.Context(), auth)
	if err != nil {
		writeSettlementError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"txHash": txHash})
}

func (s *Server) handleSettleBatch(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	payments, err := settlement.ParseBatch(body)
	if err != nil {
		writeSettlementError(c, err)
		return
	}

	txHash, perItem, err := s.svc.SettleBatch(c.Request.Context(), payments)
	if err != nil {
		se := domain.AsSettlementError(err)
		c.JSON(statusForKind(se.Kind), gin.H{
			"error":   se.Error(),
			"results": perItem,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"txHash": txHash, "results": perItem})
}

func (s *Server) handlePaymentUsed(c *gin.Context) {
	owner := c.Query("owner")
	recipient := c.Query("recipient")
	value := c.Query("value")
	deadline := c.Query("deadline")
	nonce := c.Query("nonce")
	if owner == "" || recipient == "" || value == "" || deadline == "" || nonce == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner, recipient, value, deadline, nonce are required"})
		return
	}

	valueInt, ok := parseBigInt(value)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid value"})
		return
	}
	deadlineInt, ok := parseInt64(deadline)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid deadline"})
		return
	}

	used, err := s.svc.IsUsed(c.Request.Context(), owner, recipient, valueInt, deadlineInt, nonce)
	if err != nil {
		writeSettlementError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"used": used})
}

func (s *Server) handleHealthz(c *gin.Context) {
	select {
	case <-c.Request.Context().Done():
		c.AbortWithStatus(http.StatusServiceUnavailable)
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func writeSettlementError(c *gin.Context, err error) {
	se := domain.AsSettlementError(err)
	c.AbortWithStatusJSON(statusForKind(se.Kind), gin.H{"error": se.Error(), "kind": string(se.Kind)})
}

// statusForKind maps the error taxonomy onto HTTP status codes. Retryable
// chain/store kinds and Paused map to 503 so a client's own backoff policy
// kicks in; the other known kinds map to a 4xx, and an unknown kind to 500.
func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidParams:
		return http.StatusBadRequest
	case domain.KindBadPermitSignature, domain.KindBadAuthSignature:
		return http.StatusUnauthorized
	case domain.KindAlreadyUsed:
		return http.StatusConflict
	case domain.KindDeadlineExpired:
		return http.StatusGone
	case domain.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case domain.KindPaused, domain.KindRpcUnavailable, domain.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindReorgBeyondConfirmations:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseBigInt(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}

func parseInt64(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
