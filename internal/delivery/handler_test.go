package delivery_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/delivery"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

func deliveryRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Anonymous") == "" {
				req = req.WithContext(shared.ContextWithActor(req.Context(), shipper))
			}
			next.ServeHTTP(w, req)
		})
	})
	delivery.NewHandler(nil, f.svc).MountRoutes(r)
	return r
}

func send(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr.Code, out
}

func createNote(t *testing.T, f *fixture, h http.Handler, qtyB string) int64 {
	t.Helper()
	code, body := send(t, h, http.MethodPost, "/delivery-notes", fmt.Sprintf(`{
		"doc_number": "SJ-0100",
		"customer_id": 42,
		"delivery_date": "2024-04-02T08:00:00Z",
		"driver_name": "Budi",
		"lines": [
			{"product_id": 1, "batch_id": %d, "quantity": "30", "unit_price": "25", "line_order": 1},
			{"product_id": 2, "batch_id": %d, "quantity": "%s", "unit_price": "9", "line_order": 2}
		]
	}`, f.batchA, f.batchB, qtyB), nil)
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "DRAFT", body["status"])
	assert.Len(t, body["lines"], 2)
	return int64(body["id"].(float64))
}

func TestAPIDeliveryLifecycle(t *testing.T) {
	f := newFixture(t)
	h := deliveryRouter(f)
	id := createNote(t, f, h, "5")
	path := fmt.Sprintf("/delivery-notes/%d", id)

	code, body := send(t, h, http.MethodPost, path+"/receive", "", nil)
	require.Equal(t, http.StatusConflict, code, body)

	code, body = send(t, h, http.MethodPost, path+"/confirm", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "CONFIRMED", body["status"])

	code, body = send(t, h, http.MethodPost, path+"/ship", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "IN_TRANSIT", body["status"])

	key := map[string]string{delivery.IdempotencyHeader: "receive-100"}
	code, body = send(t, h, http.MethodPost, path+"/receive", "", key)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "RECEIVED", body["status"])
	assert.True(t, f.available(t, f.batchA).Equal(dec("70")))

	code, body = send(t, h, http.MethodPost, path+"/receive", "", key)
	require.Equal(t, http.StatusConflict, code, body)
	assert.Len(t, f.stockDB.StockOuts(), 2)

	code, body = send(t, h, http.MethodGet, "/delivery-notes?status=received", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])
}

func TestAPIDeliveryReceiveShortage(t *testing.T) {
	f := newFixture(t)
	h := deliveryRouter(f)
	id := createNote(t, f, h, "50")
	path := fmt.Sprintf("/delivery-notes/%d", id)

	code, _ := send(t, h, http.MethodPost, path+"/confirm", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := send(t, h, http.MethodPost, path+"/receive", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, code, body)
	assert.Equal(t, float64(f.batchB), body["batch_id"])
	assert.Empty(t, f.stockDB.StockOuts())
}

func TestAPIDeliveryBadRequests(t *testing.T) {
	f := newFixture(t)
	h := deliveryRouter(f)
	id := createNote(t, f, h, "5")

	code, body := send(t, h, http.MethodPost, fmt.Sprintf("/delivery-notes/%d/cancel", id), `{}`, nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "reason", body["field"])

	code, body = send(t, h, http.MethodPost, "/delivery-notes", `{"doc_number":"SJ-1","customer_id":42,"delivery_date":"2024-04-02T08:00:00Z","lines":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "lines", body["field"])

	code, _ = send(t, h, http.MethodGet, "/delivery-notes?status=lost", "", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = send(t, h, http.MethodGet, fmt.Sprintf("/delivery-notes/%d", id), "", map[string]string{"X-Anonymous": "1"})
	require.Equal(t, http.StatusUnauthorized, code)
}
