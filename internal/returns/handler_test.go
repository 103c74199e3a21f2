package returns_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/returns"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

type returnsAPI struct {
	*fixture
	router http.Handler
}

func newReturnsAPI(t *testing.T) *returnsAPI {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who := map[string]shared.Actor{"clerk": clerk, "manager": manager, "outsider": outsider}
			if a, ok := who[r.Header.Get("X-Test-Actor")]; ok {
				r = r.WithContext(shared.ContextWithActor(r.Context(), a))
			}
			next.ServeHTTP(w, r)
		})
	})
	returns.NewHandler(nil, f.svc).MountRoutes(r)
	return &returnsAPI{fixture: f, router: r}
}

func (a *returnsAPI) call(t *testing.T, method, path, who, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Actor", who)
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	out := map[string]any{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr.Code, out
}

func (a *returnsAPI) open(t *testing.T) int64 {
	t.Helper()
	code, body := a.call(t, http.MethodPost, "/returns", "clerk", fmt.Sprintf(
		`{"type":"customer_return","product_id":1,"batch_id":%d,"quantity":"10","return_value":"250","stock_out_id":1,"customer_id":11,"reason":"damaged packaging"}`,
		a.batchID))
	require.Equal(t, http.StatusCreated, code, body)
	require.Equal(t, "draft", body["status"])
	require.Equal(t, "25", body["unit_cost"])
	return int64(body["id"].(float64))
}

func TestAPIReturnLifecycle(t *testing.T) {
	api := newReturnsAPI(t)
	id := api.open(t)
	path := fmt.Sprintf("/returns/%d", id)

	code, body := api.call(t, http.MethodPost, path+"/submit", "clerk", "")
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "pending", body["status"])

	code, body = api.call(t, http.MethodPost, path+"/approve", "manager", `{"notes":"checked seal"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "approved", body["status"])
	require.Equal(t, "checked seal", body["approval_notes"])

	code, body = api.call(t, http.MethodPost, path+"/process", "manager", "")
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "completed", body["status"])
	require.NotZero(t, body["compensation_id"])
	require.True(t, api.available(t).Equal(dec("130")))

	code, body = api.call(t, http.MethodPost, path+"/process", "manager", "")
	require.Equal(t, http.StatusConflict, code, body)
	require.True(t, api.available(t).Equal(dec("130")))
}

func TestAPIReturnTransitionsNeedReasons(t *testing.T) {
	api := newReturnsAPI(t)
	id := api.open(t)
	path := fmt.Sprintf("/returns/%d", id)

	code, body := api.call(t, http.MethodPost, path+"/reject", "manager", `{}`)
	require.Equal(t, http.StatusBadRequest, code, body)
	require.Equal(t, "reason", body["field"])

	code, body = api.call(t, http.MethodPost, path+"/cancel", "clerk", `{"reason":"entered twice"}`)
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "cancelled", body["status"])
	require.Equal(t, "entered twice", body["cancellation_reason"])

	code, _ = api.call(t, http.MethodPost, path+"/submit", "clerk", "")
	require.Equal(t, http.StatusConflict, code)
}

func TestAPIReturnVisibilityAndListing(t *testing.T) {
	api := newReturnsAPI(t)
	first := api.open(t)
	api.open(t)
	code, _ := api.call(t, http.MethodPost, fmt.Sprintf("/returns/%d/submit", first), "clerk", "")
	require.Equal(t, http.StatusOK, code)

	code, _ = api.call(t, http.MethodGet, fmt.Sprintf("/returns/%d", first), "outsider", "")
	require.Equal(t, http.StatusNotFound, code)

	code, page := api.call(t, http.MethodGet, "/returns?status=pending", "clerk", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), page["total"])

	code, page = api.call(t, http.MethodGet, "/returns?type=customer_return&per_page=1", "clerk", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), page["total"])
	require.Len(t, page["items"], 1)

	code, _ = api.call(t, http.MethodGet, "/returns?type=swap", "clerk", "")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = api.call(t, http.MethodGet, "/returns", "", "")
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestAPIReturnCreateValidation(t *testing.T) {
	api := newReturnsAPI(t)
	cases := map[string]string{
		"unknown type":  fmt.Sprintf(`{"type":"swap","product_id":1,"batch_id":%d,"quantity":"1","reason":"x"}`, api.batchID),
		"missing batch": `{"type":"customer_return","product_id":1,"quantity":"1","reason":"x"}`,
		"no reason":     fmt.Sprintf(`{"type":"customer_return","product_id":1,"batch_id":%d,"quantity":"1"}`, api.batchID),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			code, _ := api.call(t, http.MethodPost, "/returns", "clerk", body)
			require.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestAPIAttachReturnProof(t *testing.T) {
	api := newReturnsAPI(t)
	id := api.open(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "photo.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/returns/%d/proof", id), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Test-Actor", "clerk")
	rr := httptest.NewRecorder()
	api.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err := api.svc.Get(req.Context(), clerk, id)
	require.NoError(t, err)
	require.Equal(t, "return-proofs/photo.jpg", stored.ProofPath)

	download := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/returns/%d/proof", id), nil)
	download.Header.Set("X-Test-Actor", "clerk")
	rr = httptest.NewRecorder()
	api.router.ServeHTTP(rr, download)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), `filename="photo.jpg"`)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, rr.Body.Bytes())

	code, _ := api.call(t, http.MethodGet, fmt.Sprintf("/returns/%d/proof", id), "outsider", "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestAPIReturnProofMissing(t *testing.T) {
	api := newReturnsAPI(t)
	id := api.open(t)
	code, body := api.call(t, http.MethodGet, fmt.Sprintf("/returns/%d/proof", id), "clerk", "")
	require.Equal(t, http.StatusNotFound, code, body)
}
