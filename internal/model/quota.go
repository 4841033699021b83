// internal/model/quota.go
package model

import "time"

// QuotaUsage is a tenant's messaging allowance for the current calendar month.
// A nil Limit means unlimited.
type QuotaUsage struct {
	TenantID    string    `json:"tenant_id"`
	Limit       *int      `json:"limit"`
	Used        int       `json:"used"`
	Reserved    int       `json:"reserved"`
	PeriodStart time.Time `json:"period_start"`
}

// Allows reports whether count more messages fit in the allowance.
func (q QuotaUsage) Allows(count int) bool {
	if q.Limit == nil {
		return true
	}
	return q.Used+q.Reserved+count <= *q.Limit
}

// MonthStart returns midnight UTC of the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
