package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hourglassbot/hourglass/internal/db"
)

const (
	defaultOrdersLimit = 100
	maxOrdersLimit     = 500
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "hourglass",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleHealth is the load balancer probe: process up, database reachable.
func (s *Server) handleHealth(c *gin.Context) {
	if s.store != nil {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

// handleStatus reports the engine snapshot: venue, mode, instrument count,
// position count, feed freshness, worker pool stats, and order-log tallies.
func (s *Server) handleStatus(c *gin.Context) {
	st := s.engine.Status()

	dbStatus := "healthy"
	if s.store == nil {
		dbStatus = "not_configured"
	} else if err := s.store.Ping(c.Request.Context()); err != nil {
		dbStatus = "unhealthy"
	}

	resp := gin.H{
		"status":           "running",
		"venue":            st.Venue,
		"simulation":       st.Simulation,
		"started_at":       st.StartedAt.UTC(),
		"uptime_seconds":   time.Since(st.StartedAt).Seconds(),
		"instruments":      st.Instruments,
		"active_positions": st.ActivePositions,
		"database":         dbStatus,
		"feeds": gin.H{
			"tickers_last_data_at": st.TickerDataAt.UTC(),
			"candles_last_data_at": st.CandleDataAt.UTC(),
		},
		"pool": st.Pool,
	}

	if s.store != nil {
		if counts, err := s.store.CountByState(c.Request.Context()); err == nil {
			resp["orders_by_state"] = counts
		}
	}

	c.JSON(http.StatusOK, resp)
}

// handleOrders lists order-log rows newest first. The state parameter matches
// the stored value exactly, so "?state=" selects placed rows.
func (s *Server) handleOrders(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	limit := defaultOrdersLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if v > maxOrdersLimit {
			v = maxOrdersLimit
		}
		limit = v
	}

	var state *db.OrderState
	if raw, ok := c.GetQuery("state"); ok {
		st := db.OrderState(raw)
		state = &st
	}

	rows, err := s.store.RecentOrders(c.Request.Context(), c.Query("flag"), state, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Order log query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order log query failed"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, orderJSON(r))
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": out,
		"total":  len(out),
	})
}

// handlePositions snapshots the in-memory book: every order between
// placement and sold out.
func (s *Server) handlePositions(c *gin.Context) {
	orders := s.engine.Book().Snapshot()

	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		entry := gin.H{
			"instId":         o.InstID,
			"ordId":          o.OrdID,
			"flag":           o.Flag,
			"size":           o.Size.String(),
			"create_time":    o.CreateTime.UnixMilli(),
			"sell_deadline":  o.SellDeadline,
			"sell_triggered": o.SellTriggered,
		}
		if !o.FillTime.IsZero() {
			entry["fill_time"] = o.FillTime.UnixMilli()
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"positions": out,
		"total":     len(out),
	})
}

// orderJSON maps a log row onto the column names of the orders table.
func orderJSON(r *db.OrderRow) gin.H {
	h := gin.H{
		"instId":      r.InstID,
		"flag":        r.Flag,
		"ordId":       r.OrdID,
		"create_time": r.CreateTime,
		"orderType":   r.OrderType,
		"state":       string(r.State),
		"price":       r.Price,
		"size":        r.Size,
		"sell_time":   r.SellTime,
		"side":        r.Side,
	}
	if r.SellOrderID != nil {
		h["sell_order_id"] = *r.SellOrderID
	}
	if r.SellPrice != nil {
		h["sell_price"] = *r.SellPrice
	}
	return h
}
