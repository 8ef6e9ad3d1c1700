package models

// PaymentStat summarizes payments sharing a status and currency.
type PaymentStat struct {
	Status PaymentStatus `json:"status"`
	Count  int64         `json:"count"`
	Total  Money         `json:"total"`
}
