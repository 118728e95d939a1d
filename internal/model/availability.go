package model

// AvailabilityQuery asks whether one slot is bookable.  It is a value object
// and never persisted.
type AvailabilityQuery struct {
	TenantID      string
	ServiceID     string
	Date          string
	RequestedTime TimeOfDay
}

// AvailabilityResult answers an AvailabilityQuery.  Alternatives is ordered
// by distance from the requested time and empty when Available is true.
type AvailabilityResult struct {
	Available     bool        `json:"available"`
	RequestedTime TimeOfDay   `json:"requested_time"`
	Alternatives  []TimeOfDay `json:"alternatives"`
}
