// Package bankpb is the wire layer between the coordinator and remote banks:
// the bankpb.Bank gRPC service declared in bank.proto, its messages and a
// JSON codec. Messages are plain structs; acknowledgements reuse the
// well-known Empty message.
package bankpb

// Xid fields carry xa.Xid in its text form ("<format>:<gtrid>:<bqual>").

type StartRequest struct {
	Xid string `json:"xid"`
}

type AdjustRequest struct {
	Xid  string `json:"xid"`
	Iban string `json:"iban"`
	// Amount in minor units, always positive.
	Amount int64 `json:"amount"`
	Debit  bool  `json:"debit,omitempty"`
}

type AdjustResponse struct {
	Result int32 `json:"result"`
}

type EndRequest struct {
	Xid    string `json:"xid"`
	Failed bool   `json:"failed,omitempty"`
}

type PrepareRequest struct {
	Xid string `json:"xid"`
}

type PrepareResponse struct {
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type CommitRequest struct {
	Xid      string `json:"xid"`
	OnePhase bool   `json:"one_phase,omitempty"`
}

type RollbackRequest struct {
	Xid string `json:"xid"`
}

type BalanceRequest struct {
	Iban string `json:"iban"`
}

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

type RecoverRequest struct{}

type RecoverResponse struct {
	Xids []string `json:"xids"`
}
