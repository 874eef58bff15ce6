package api

import (
	"encoding/json"
	"net/http"

	"github.com/nettinglabs/cownet/pkg/book"
)

// OrderRequest is the JSON body of POST /api/v1/orders.
type OrderRequest struct {
	ID        string `json:"id"`
	Trader    string `json:"trader"`
	AmountIn  int64  `json:"amount_in"`
	AmountOut int64  `json:"amount_out"`
	Direction string `json:"direction"` // "AtoB" or "BtoA"
	Venue     string `json:"venue"`
}

type OrderView struct {
	ID         string `json:"id"`
	Trader     string `json:"trader"`
	AmountIn   int64  `json:"amount_in"`
	AmountOut  int64  `json:"amount_out"`
	Direction  string `json:"direction"`
	Price      int64  `json:"price"`
	ObservedAt int64  `json:"observed_at"`
}

func toOrderView(o book.Order) OrderView {
	return OrderView{
		ID:         o.ID,
		Trader:     o.Trader,
		AmountIn:   o.AmountIn,
		AmountOut:  o.AmountOut,
		Direction:  o.Direction.String(),
		Price:      o.Price(),
		ObservedAt: o.ObservedAt,
	}
}

type BookResponse struct {
	Venue  string      `json:"venue"`
	Demand []OrderView `json:"demand"`
	Supply []OrderView `json:"supply"`
}

type TaskView struct {
	ID           string `json:"id"`
	MatchHash    string `json:"match_hash"`
	Creator      string `json:"creator"`
	ThresholdPct int    `json:"threshold_pct"`
	State        string `json:"state"`
	Responses    int    `json:"responses"`
	CreatedAt    string `json:"created_at"`
	Deadline     string `json:"deadline"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg, Detail: detail})
}
