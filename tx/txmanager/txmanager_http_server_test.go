package txmanager_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/acid_bank/tx/txmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func newRouter(t *testing.T) (http.Handler, *test.Hook) {
	reg := prometheus.NewRegistry()
	b := newBanks(t, "20000", nil, txmanager.WithMetrics(txmanager.NewMetrics(reg)))
	lg, hook := test.NewNullLogger()
	return b.c.Router(lg, reg), hook
}

func Test_http_transfer(t *testing.T) {
	h, hook := newRouter(t)

	w := serve(h, "POST", "/api/transfers/",
		`{"from_bank":"BANKXX","from_iban":"A1","to_bank":"BANKYY","to_iban":"A2","amount":"100.50"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rcpt txmanager.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rcpt))
	assert.Equal(t, "one hundred and 50/100", rcpt.AmountWords)
	assert.NotEmpty(t, rcpt.Xid)

	w = serve(h, "GET", "/api/banks/BANKYY/accounts/A2/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"bank":"BANKYY","iban":"A2","balance":"15100.50"}`, w.Body.String())

	w = serve(h, "POST", "/api/transfers/",
		`{"from_bank":"BANKXX","from_iban":"A1","to_bank":"BANKYY","to_iban":"A2","amount":"8000.50"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"transfer failed: insufficient funds or invalid IBAN: A1","kind":"local operation"}`, w.Body.String())

	require.Len(t, hook.AllEntries(), 3)
	assert.Equal(t, "/api/transfers/", hook.LastEntry().Data["path"])
}

func Test_http_errors(t *testing.T) {
	h, _ := newRouter(t)

	for _, tc := range []struct {
		method, path, body string
		code               int
	}{
		{"POST", "/api/transfers/", `{"amount":`, http.StatusBadRequest},
		{"POST", "/api/transfers/", `{"from_bank":"BANKXX","to_bank":"BANKYY","amount":"0"}`, http.StatusBadRequest},
		{"POST", "/api/transfers/", `{"from_bank":"BANKXX","to_bank":"NOPE","amount":"1"}`, http.StatusNotFound},
		{"GET", "/api/banks/BANKXX/accounts/NOPE/", "", http.StatusNotFound},
		{"GET", "/api/banks/NOPE/accounts/A1/", "", http.StatusNotFound},
	} {
		w := serve(h, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.code, w.Code, "%s %s %s", tc.method, tc.path, tc.body)
	}
}

func Test_http_query_and_metrics(t *testing.T) {
	h, _ := newRouter(t)
	serve(h, "POST", "/api/transfers/",
		`{"from_bank":"BANKXX","from_iban":"A1","to_bank":"BANKYY","to_iban":"A2","amount":"1"}`)

	w := serve(h, "GET", "/api/txmgrquery/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"in_flight":[],"banks":["BANKXX","BANKYY"]}`, w.Body.String())

	w = serve(h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `acid_bank_txmanager_transfers_total{outcome="committed"} 1`)
}
