package txmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/acid_bank/utils"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type transferErrorJSON struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

type balanceJSON struct {
	Bank    string       `json:"bank"`
	IBAN    string       `json:"iban"`
	Balance utils.Amount `json:"balance"`
}

func transferStatus(err error) int {
	if errors.Is(err, ErrUnknownBank) {
		return http.StatusNotFound
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindLocalOperation:
		return http.StatusUnprocessableEntity
	case KindVote:
		return http.StatusConflict
	case KindParticipant:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (c *Coordinator) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, fmt.Errorf("bad transfer request: %w", err))
		return
	}
	rcpt, err := c.Transfer(r.Context(), req)
	if err != nil {
		utils.WriteJSON(w, transferStatus(err), transferErrorJSON{Error: err.Error(), Kind: KindOf(err)})
		return
	}
	utils.WriteJSON(w, http.StatusOK, rcpt)
}

func (c *Coordinator) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bal, err := c.Balance(r.Context(), vars["bank"], vars["iban"])
	switch {
	case errors.Is(err, ErrUnknownBank), errors.Is(err, ErrAccountNotFound):
		utils.WriteError(w, http.StatusNotFound, err)
		return
	case err != nil:
		utils.WriteError(w, http.StatusBadGateway, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, balanceJSON{Bank: vars["bank"], IBAN: vars["iban"], Balance: bal})
}

func (c *Coordinator) handleTxQuery(w http.ResponseWriter, r *http.Request) {
	m := make(map[string]interface{})
	m["in_flight"] = c.InFlight()
	if b, ok := c.banks.(interface{ Banks() []string }); ok {
		m["banks"] = b.Banks()
	}
	utils.WriteJSON(w, http.StatusOK, m)
}

// Router serves the coordinator API. gatherer backs /metrics; nil means
// the default registry.
func (c *Coordinator) Router(lg logrus.FieldLogger, gatherer prometheus.Gatherer) *mux.Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := mux.NewRouter()
	r.Use(utils.AccessLog(lg))
	api := r.PathPrefix("/api").Subrouter().StrictSlash(true)

	api.Methods("POST").Subrouter().HandleFunc("/transfers/", c.handleTransfer)
	api.Methods("GET").Subrouter().HandleFunc("/banks/{bank}/accounts/{iban}/", c.handleBalance)

	//Dump internal memory
	api.Methods("GET").Subrouter().HandleFunc("/txmgrquery/", c.handleTxQuery)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	utils.RegisterPprof(r)
	return r
}

// ServeHttpTxApi serves Router on port until ctx is done.
func (c *Coordinator) ServeHttpTxApi(ctx context.Context, port int, lg logrus.FieldLogger, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           c.Router(lg, gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
