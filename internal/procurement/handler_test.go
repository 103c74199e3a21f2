package procurement

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

func procurementRouter(f *procFixture, who shared.Actor) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithActor(req.Context(), who)))
		})
	})
	NewHandler(nil, f.svc).MountRoutes(r)
	return r
}

func post(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return rr.Code, out
}

func lineID(body map[string]any, i int) int64 {
	return int64(body["lines"].([]any)[i].(map[string]any)["id"].(float64))
}

func TestAPIPurchaseOrderToGoodsReceipt(t *testing.T) {
	f := newProcFixture(t)
	h := procurementRouter(f, buyer)

	code, po := post(t, h, http.MethodPost, "/purchase-orders", `{"number":"PO-API-1","supplier_id":3,"lines":[{"product_id":1,"qty":"100","price":"10"}]}`)
	require.Equal(t, http.StatusCreated, code, po)
	require.Equal(t, "DRAFT", po["status"])
	poID := int64(po["id"].(float64))

	code, _ = post(t, h, http.MethodPost, fmt.Sprintf("/purchase-orders/%d/receipts", poID),
		fmt.Sprintf(`{"lines":[{"po_line_id":%d,"batch_id":%d,"qty":"10"}]}`, lineID(po, 0), f.batchID))
	require.Equal(t, http.StatusConflict, code)

	code, po = post(t, h, http.MethodPost, fmt.Sprintf("/purchase-orders/%d/approve", poID), "")
	require.Equal(t, http.StatusOK, code, po)
	require.Equal(t, "APPROVED", po["status"])

	code, grn := post(t, h, http.MethodPost, fmt.Sprintf("/purchase-orders/%d/receipts", poID), fmt.Sprintf(
		`{"number":"GRN-API-1","delivery_note_number":"SJ-7","lines":[{"po_line_id":%d,"batch_id":%d,"qty":"30"}],"attachment":{"filename":"sj-7.pdf","content":"JVBERg=="}}`,
		lineID(po, 0), f.batchID))
	require.Equal(t, http.StatusCreated, code, grn)
	require.Equal(t, "10", grn["lines"].([]any)[0].(map[string]any)["unit_cost"])
	require.Len(t, f.files.saved, 1)

	code, po = post(t, h, http.MethodGet, fmt.Sprintf("/purchase-orders/%d", poID), "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "PARTIAL", po["status"])
	require.Equal(t, "70", po["lines"].([]any)[0].(map[string]any)["outstanding"])

	code, got := post(t, h, http.MethodGet, fmt.Sprintf("/goods-receipts/%d", int64(grn["id"].(float64))), "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "GRN-API-1", got["number"])

	batch, ok := f.stockDB.Batch(f.batchID)
	require.True(t, ok)
	require.True(t, batch.QuantityAvailable.Equal(dec("35")))
}

func TestAPIProcurementRejects(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)
	h := procurementRouter(f, buyer)

	code, body := post(t, h, http.MethodPost, "/purchase-orders", `{"supplier_id":3,"lines":[]}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "lines", body["field"])

	code, _ = post(t, h, http.MethodPost, fmt.Sprintf("/purchase-orders/%d/receipts", po.ID),
		fmt.Sprintf(`{"lines":[{"po_line_id":%d,"batch_id":%d,"qty":"101"}]}`, po.Lines[0].ID, f.batchID))
	require.Equal(t, http.StatusBadRequest, code)
	require.Empty(t, f.stockDB.StockIns())

	other := shared.Actor{ID: 2, CompanyID: 9, Name: "elsewhere"}
	code, _ = post(t, procurementRouter(f, other), http.MethodGet, fmt.Sprintf("/purchase-orders/%d", po.ID), "")
	require.Equal(t, http.StatusNotFound, code)
}
