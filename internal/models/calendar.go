package models

// BusinessHours is one weekly open window, times as tenant-local HH:MM
type BusinessHours struct {
	Weekday int    `json:"weekday"` // 0 = Sunday
	Open    string `json:"open"`
	Close   string `json:"close"`
}

// Holiday is a tenant-local closed date
type Holiday struct {
	Date string `json:"date"` // YYYY-MM-DD
	Name string `json:"name"`
}

// Calendar groups business hours and holidays referenced by campaigns
type Calendar struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Name     string          `json:"name"`
	Hours    []BusinessHours `json:"hours"`
	Holidays []Holiday       `json:"holidays"`
}
