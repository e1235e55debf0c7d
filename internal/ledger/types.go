package ledger

import (
	"github.com/shopspring/decimal"
)

// AddressPage is one page of the address index.
type AddressPage struct {
	TxIDs      []string `json:"txids"`
	TotalTxs   int      `json:"txs"`
	TotalPages int      `json:"totalPages"`
	Page       int      `json:"page"`
	Balance    string   `json:"balance"`
}

// RawTransaction is the transaction detail returned by the index.
type RawTransaction struct {
	TxID          string `json:"txid"`
	BlockHeight   int64  `json:"blockHeight"`
	BlockTime     int64  `json:"blockTime"`
	Confirmations int64  `json:"confirmations"`
	Vin           []Vin  `json:"vin"`
	Vout          []Vout `json:"vout"`
}

// Vin is a transaction input; Addresses may be absent for coinbase inputs.
type Vin struct {
	Addresses []string `json:"addresses,omitempty"`
}

// Vout is a transaction output. Value is in the smallest unit.
type Vout struct {
	Value     string   `json:"value"`
	Addresses []string `json:"addresses,omitempty"`
	N         int      `json:"n"`
}

// ValueSats parses Value as an integer count of the smallest unit.
// Values that are not numeric count as zero.
func (v Vout) ValueSats() int64 {
	d, err := decimal.NewFromString(v.Value)
	if err != nil || d.IsNegative() {
		return 0
	}
	return d.IntPart()
}

type blockCountResponse struct {
	Status string `json:"status"`
	Data   int64  `json:"data"`
}
