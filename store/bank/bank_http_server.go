package bank

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/acid_bank/store/accountstore"
	"github.com/acid_bank/utils"
	"github.com/acid_bank/xa"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

type accountJSON struct {
	IBAN    string       `json:"iban"`
	Balance utils.Amount `json:"balance"`
}

type recoverJSON struct {
	Bank     string       `json:"bank"`
	InDoubt  []string     `json:"in_doubt"`
	Branches []BranchInfo `json:"branches"`
}

func (rm *ResourceManager) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	iban := mux.Vars(r)["iban"]
	bal, err := rm.Balance(r.Context(), iban)
	if errors.Is(err, accountstore.ErrAccountNotFound) {
		utils.WriteError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, accountJSON{IBAN: iban, Balance: bal})
}

// handleAccountPut creates or resets an account. Fixture use only.
func (rm *ResourceManager) handleAccountPut(w http.ResponseWriter, r *http.Request) {
	iban := mux.Vars(r)["iban"]
	var in accountJSON
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	err := rm.store.PutAccount(r.Context(), accountstore.Account{IBAN: iban, Balance: in.Balance})
	switch {
	case errors.Is(err, accountstore.ErrFloorViolated), errors.Is(err, accountstore.ErrCeilingExceeded):
		utils.WriteError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		utils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	rm.lg.Info("account reset", zap.String("iban", iban), zap.Stringer("balance", in.Balance))
	utils.WriteJSON(w, http.StatusOK, accountJSON{IBAN: iban, Balance: in.Balance})
}

func (rm *ResourceManager) handleRecover(w http.ResponseWriter, r *http.Request) {
	xids, err := rm.Recover(r.Context())
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	out := recoverJSON{Bank: rm.bic, InDoubt: make([]string, 0, len(xids)), Branches: rm.Branches()}
	for _, xid := range xids {
		out.InDoubt = append(out.InDoubt, xid.String())
	}
	utils.WriteJSON(w, http.StatusOK, out)
}

// handleResolve is the heuristic completion of an in-doubt branch by an
// operator.
func (rm *ResourceManager) handleResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	xid, err := xa.ParseXid(vars["xid"])
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := rm.Recover(r.Context()); err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	switch vars["decision"] {
	case "commit":
		err = rm.Commit(r.Context(), xid, false)
	case "rollback":
		err = rm.Rollback(r.Context(), xid)
	default:
		utils.WriteError(w, http.StatusNotFound, fmt.Errorf("unknown decision %q", vars["decision"]))
		return
	}
	if err != nil {
		code := http.StatusInternalServerError
		switch xa.CodeOf(err) {
		case xa.ErrCodeUnknownBranch:
			code = http.StatusNotFound
		case xa.ErrCodeProtocol:
			code = http.StatusConflict
		}
		utils.WriteError(w, code, err)
		return
	}
	rm.lg.Warn("heuristic decision applied", zap.Stringer("xid", xid), zap.String("decision", vars["decision"]))
	utils.WriteJSON(w, http.StatusOK, map[string]string{"xid": xid.String(), "decision": vars["decision"]})
}

// Router is the bank admin API.
func (rm *ResourceManager) Router(lg logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()
	r.Use(utils.AccessLog(lg))
	api := r.PathPrefix("/api").Subrouter().StrictSlash(true)

	api.Methods("GET").Subrouter().HandleFunc("/accounts/{iban}", rm.handleAccountGet)
	api.Methods("PUT").Subrouter().HandleFunc("/accounts/{iban}", rm.handleAccountPut)
	api.Methods("GET").Subrouter().HandleFunc("/branches", rm.handleRecover)
	api.Methods("POST").Subrouter().HandleFunc("/branches/{xid}/{decision}", rm.handleResolve)

	utils.RegisterPprof(r)
	return r
}

func (rm *ResourceManager) ServeHttpBankApi(port int, lg logrus.FieldLogger) error {
	return http.ListenAndServe(":"+strconv.Itoa(port), rm.Router(lg))
}
