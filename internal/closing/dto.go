package closing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type endingStockDTO struct {
	BatchID         int64           `json:"batch_id"`
	Year            int             `json:"year"`
	Month           int             `json:"month"`
	OpeningQuantity decimal.Decimal `json:"opening_quantity"`
	OpeningValue    decimal.Decimal `json:"opening_value"`
	InQuantity      decimal.Decimal `json:"in_quantity"`
	InValue         decimal.Decimal `json:"in_value"`
	OutQuantity     decimal.Decimal `json:"out_quantity"`
	OutValue        decimal.Decimal `json:"out_value"`
	EndingQuantity  decimal.Decimal `json:"ending_quantity"`
	EndingValue     decimal.Decimal `json:"ending_value"`
	CalculatedAt    time.Time       `json:"calculated_at"`
}

func toEndingStockDTO(row EndingStock) endingStockDTO {
	return endingStockDTO{
		BatchID:         row.BatchID,
		Year:            row.Year,
		Month:           row.Month,
		OpeningQuantity: row.OpeningQuantity,
		OpeningValue:    row.OpeningValue,
		InQuantity:      row.InQuantity,
		InValue:         row.InValue,
		OutQuantity:     row.OutQuantity,
		OutValue:        row.OutValue,
		EndingQuantity:  row.EndingQuantity,
		EndingValue:     row.EndingValue,
		CalculatedAt:    row.CalculatedAt,
	}
}

type batchFailureDTO struct {
	BatchID int64  `json:"batch_id"`
	Error   string `json:"error"`
}

type summaryDTO struct {
	Year     int               `json:"year"`
	Month    int               `json:"month"`
	Batches  int               `json:"batches"`
	Closed   int               `json:"closed"`
	Failures []batchFailureDTO `json:"failures"`
}

func toSummaryDTO(s Summary) summaryDTO {
	out := summaryDTO{Year: s.Period.Year, Month: s.Period.Month, Batches: s.Batches, Closed: s.Closed, Failures: []batchFailureDTO{}}
	for id, err := range s.Failures {
		out.Failures = append(out.Failures, batchFailureDTO{BatchID: id, Error: err.Error()})
	}
	sort.Slice(out.Failures, func(i, j int) bool { return out.Failures[i].BatchID < out.Failures[j].BatchID })
	return out
}
