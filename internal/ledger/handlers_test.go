package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/refunddesk/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerRouter(l *Ledger, actor *auth.Actor) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		if actor != nil {
			c.Set(auth.ContextKeyActor, *actor)
		}
		c.Next()
	})
	NewHandler(l, slog.Default()).RegisterRoutes(v1)
	return r
}

func TestHandler_GetBalance(t *testing.T) {
	l := newTestLedger()
	require.NoError(t, l.Debit(context.Background(), "seller-1", "12.00", "BRL", "rr-1"))

	r := setupHandlerRouter(l, &auth.Actor{ID: "seller-1", Role: auth.RoleSeller})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sellers/me/balance", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		SellerID string     `json:"sellerId"`
		Balances []*Balance `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "seller-1", body.SellerID)
	require.Len(t, body.Balances, 1)
	assert.Equal(t, "-12.00", body.Balances[0].Available)
}

func TestHandler_GetBalance_Empty(t *testing.T) {
	r := setupHandlerRouter(newTestLedger(), &auth.Actor{ID: "seller-9", Role: auth.RoleSeller})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sellers/me/balance", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balances":[]`)
}

func TestHandler_GetHistory(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "seller-1", "40", "BRL", "sale-1"))
	require.NoError(t, l.Debit(ctx, "seller-1", "10", "BRL", "rr-1"))

	r := setupHandlerRouter(l, &auth.Actor{ID: "seller-1", Role: auth.RoleSeller})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sellers/me/ledger?limit=1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []*Entry `json:"entries"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, EntryRefundDebit, body.Entries[0].Type)
}

func TestHandler_Unauthenticated(t *testing.T) {
	r := setupHandlerRouter(newTestLedger(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sellers/me/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
