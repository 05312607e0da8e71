package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/dispatch"
	"execution-core/internal/model"
	"execution-core/pkg/db"
)

type signalRequest struct {
	Symbol        string   `json:"symbol" binding:"required,min=1"`
	Side          string   `json:"side" binding:"required,oneof=BUY SELL"`
	Quantity      float64  `json:"quantity" binding:"gt=0"`
	StopLoss      *float64 `json:"stop_loss"`
	TakeProfit    *float64 `json:"take_profit"`
	AccountID     string   `json:"account_id" binding:"required,min=1"`
	CorrelationID string   `json:"correlation_id" binding:"required,min=1"`
}

func (r signalRequest) signal() model.Signal {
	return model.Signal{
		Symbol:        strings.TrimSpace(r.Symbol),
		Side:          model.Side(r.Side),
		Quantity:      r.Quantity,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		AccountID:     strings.TrimSpace(r.AccountID),
		CorrelationID: strings.TrimSpace(r.CorrelationID),
	}
}

type listExecutionsQuery struct {
	Account string `form:"account"`
	Limit   int    `form:"limit"`
}

func (q *listExecutionsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

// maxSignalWait bounds ?wait=true on POST /api/signals.
const maxSignalWait = 2 * time.Minute

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) listLiveness(c *gin.Context) {
	if s.Live == nil {
		respondError(c, http.StatusServiceUnavailable, "LIVENESS_UNAVAILABLE", "liveness store not available")
		return
	}
	c.JSON(http.StatusOK, s.Live.All())
}

func (s *Server) getLiveness(c *gin.Context) {
	if s.Live == nil {
		respondError(c, http.StatusServiceUnavailable, "LIVENESS_UNAVAILABLE", "liveness store not available")
		return
	}
	rec, ok := s.Live.Get(c.Param("key"))
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no liveness record for "+c.Param("key"))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listSessions(c *gin.Context) {
	if s.Sessions == nil {
		respondError(c, http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "session manager not available")
		return
	}
	c.JSON(http.StatusOK, s.Sessions.Sessions())
}

// createSignal accepts a signal. The dispatch outlives the request; with
// ?wait=true the handler also waits for the result up to ?timeout_s.
func (s *Server) createSignal(c *gin.Context) {
	if s.Dispatcher == nil {
		respondError(c, http.StatusServiceUnavailable, "DISPATCHER_UNAVAILABLE", "dispatcher not available")
		return
	}
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	sig := req.signal()

	f, err := s.Dispatcher.Dispatch(context.WithoutCancel(c.Request.Context()), sig)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInvalidSignal):
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	case errors.Is(err, dispatch.ErrQueueFull):
		respondError(c, http.StatusTooManyRequests, "QUEUE_FULL", err.Error())
		return
	case errors.Is(err, dispatch.ErrDispatcherClosed):
		respondError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
		return
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	log.Printf("[API] signal %s accepted from %s", sig.CorrelationID, CurrentOperator(c))

	if c.Query("wait") == "true" {
		wait := maxSignalWait
		if secs, err := strconv.Atoi(c.Query("timeout_s")); err == nil && secs > 0 && time.Duration(secs)*time.Second < wait {
			wait = time.Duration(secs) * time.Second
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()
		if res, err := f.Wait(ctx); ctx.Err() == nil {
			respondResult(c, res, err)
			return
		}
	} else if res, done := f.Result(); done {
		respondResult(c, res, f.Err())
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":         "queued",
		"correlation_id": sig.CorrelationID,
	})
}

func respondResult(c *gin.Context, res model.ExecutionResult, err error) {
	body := gin.H{
		"status": "completed",
		"result": res,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) cancelSignal(c *gin.Context) {
	if s.Dispatcher == nil {
		respondError(c, http.StatusServiceUnavailable, "DISPATCHER_UNAVAILABLE", "dispatcher not available")
		return
	}
	cid := c.Param("correlation_id")
	if err := s.Dispatcher.Cancel(cid); err != nil {
		if errors.Is(err, dispatch.ErrUnknownSignal) {
			respondError(c, http.StatusNotFound, "UNKNOWN_SIGNAL", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested", "correlation_id": cid})
}

type executionView struct {
	CorrelationID       string    `json:"correlation_id"`
	AccountID           string    `json:"account_id"`
	Symbol              string    `json:"symbol"`
	Side                string    `json:"side"`
	Quantity            float64   `json:"quantity"`
	Outcome             string    `json:"outcome"`
	Reason              string    `json:"reason,omitempty"`
	BrokerReference     string    `json:"broker_reference,omitempty"`
	Evidence            string    `json:"evidence,omitempty"`
	NeedsReconciliation bool      `json:"needs_reconciliation"`
	Reconciled          bool      `json:"reconciled"`
	Attempts            int       `json:"attempts"`
	Timestamp           time.Time `json:"timestamp"`
}

func toExecutionView(e db.Execution) executionView {
	return executionView{
		CorrelationID:       e.CorrelationID,
		AccountID:           e.AccountID,
		Symbol:              e.Symbol,
		Side:                e.Side,
		Quantity:            e.Quantity,
		Outcome:             e.Outcome,
		Reason:              e.Reason,
		BrokerReference:     e.BrokerReference,
		Evidence:            e.Evidence,
		NeedsReconciliation: e.NeedsReconciliation,
		Reconciled:          e.Reconciled,
		Attempts:            e.Attempts,
		Timestamp:           e.CreatedAt,
	}
}

func (s *Server) listExecutions(c *gin.Context) {
	if s.Queries == nil {
		respondError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "database not available")
		return
	}
	var q listExecutionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	rows, err := s.Queries.ListExecutions(c.Request.Context(), q.Account, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	out := make([]executionView, 0, len(rows))
	for _, r := range rows {
		out = append(out, toExecutionView(r))
	}
	c.JSON(http.StatusOK, out)
}

// getExecution prefers the dispatcher's in-window result, which is visible
// before the batched history write lands.
func (s *Server) getExecution(c *gin.Context) {
	cid := c.Param("correlation_id")
	if s.Dispatcher != nil {
		if res, ok := s.Dispatcher.Lookup(cid); ok {
			c.JSON(http.StatusOK, res)
			return
		}
	}
	if s.Queries == nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no execution for "+cid)
		return
	}
	e, err := s.Queries.GetExecution(c.Request.Context(), cid)
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "no execution for "+cid)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, toExecutionView(*e))
}

func (s *Server) enableAccount(c *gin.Context) {
	if s.Sessions == nil {
		respondError(c, http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "session manager not available")
		return
	}
	id := c.Param("id")
	if err := s.Sessions.Enable(c.Request.Context(), id); err != nil {
		respondAccountError(c, err)
		return
	}
	log.Printf("[API] account %s enabled by %s", id, CurrentOperator(c))
	c.JSON(http.StatusOK, gin.H{"account_id": id, "disabled": false})
}

func (s *Server) disableAccount(c *gin.Context) {
	if s.Sessions == nil {
		respondError(c, http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "session manager not available")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "disabled by operator " + CurrentOperator(c)
	}
	id := c.Param("id")
	if err := s.Sessions.Disable(c.Request.Context(), id, req.Reason); err != nil {
		respondAccountError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "disabled": true, "reason": req.Reason})
}

func respondAccountError(c *gin.Context, err error) {
	if errors.Is(err, model.ErrAccountNotFound) || errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
		return
	}
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// getMetrics returns the JSON metrics snapshot.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// promMetrics serves the Prometheus exposition.
func (s *Server) promMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	s.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
