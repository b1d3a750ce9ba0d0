package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/token-hopper/internal/dispenser"
	"github.com/wfunc/token-hopper/internal/hardware"
)

func TestCollectorDispenseEvents(t *testing.T) {
	c := NewCollector()

	tx := dispenser.Transaction{TxID: "P-1", Quantity: 3, State: dispenser.StateDispensing}
	c.OnDispenseEvent(dispenser.Event{Kind: dispenser.EventStarted, Transaction: tx})
	assert.Equal(t, float64(1), testutil.ToFloat64(c.state))

	tx.Dispensed = 1
	c.OnDispenseEvent(dispenser.Event{Kind: dispenser.EventProgress, Transaction: tx})

	tx.Dispensed = 3
	tx.State = dispenser.StateDone
	c.OnDispenseEvent(dispenser.Event{Kind: dispenser.EventDone, Transaction: tx})

	jam := dispenser.Transaction{TxID: "P-2", Quantity: 5, Dispensed: 2, State: dispenser.StateError}
	c.OnDispenseEvent(dispenser.Event{Kind: dispenser.EventJammed, Transaction: jam})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.transactions.WithLabelValues("started")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transactions.WithLabelValues("done")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transactions.WithLabelValues("jammed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.transactions.WithLabelValues("progress")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.tokens))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.state))
}

func TestCollectorHardwareErrors(t *testing.T) {
	c := NewCollector()
	c.OnHardwareError(hardware.ErrorRecord{Code: hardware.CodeCoinStuck, Timestamp: time.Now()})
	c.OnHardwareError(hardware.ErrorRecord{Code: hardware.CodeCoinStuck, Timestamp: time.Now()})
	assert.Equal(t, float64(2), testutil.ToFloat64(c.hardwareErrors.WithLabelValues("COIN_STUCK")))
}

func TestCollectorHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := NewCollector()

	r := gin.New()
	r.Use(c.GinMiddleware())
	r.GET("/health", func(ctx *gin.Context) { ctx.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(c.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.httpRequests.WithLabelValues("/health", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "http_requests_total"))
	assert.True(t, strings.Contains(body, "hopper_dispenser_state"))
}
