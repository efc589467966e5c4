package models

import "fmt"

// Subscription is the durable record for one monitored app
type Subscription struct {
	AppID     string `json:"-"`
	Minute    int    `json:"minute"`
	Hour      int    `json:"hour"`
	Scheduled bool   `json:"scheduled"`
	Limit     int    `json:"limit"`
}

// CronSpec returns the daily trigger expression for the subscription
func (s Subscription) CronSpec() string {
	return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
}

// SameTrigger reports whether s and o would be served by the same job handle.
// Limits compare as integers.
func (s Subscription) SameTrigger(o Subscription) bool {
	return s.Minute == o.Minute && s.Hour == o.Hour && s.Limit == o.Limit
}

// Validate checks field ranges. It is used on records read back from the
// durable store, which must not be trusted blindly.
func (s Subscription) Validate() error {
	if !IsAppID(s.AppID) {
		return fmt.Errorf("invalid app id %q", s.AppID)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("app %s: minute %d out of range", s.AppID, s.Minute)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("app %s: hour %d out of range", s.AppID, s.Hour)
	}
	if s.Limit <= 0 {
		return fmt.Errorf("app %s: limit %d must be positive", s.AppID, s.Limit)
	}
	return nil
}

// IsAppID reports whether id is a 9-character numeric string
func IsAppID(id string) bool {
	if len(id) != 9 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// SubscriptionView is the API representation of a registry entry
type SubscriptionView struct {
	AppID     string `json:"app_id"`
	Minute    int    `json:"minute"`
	Hour      int    `json:"hour"`
	Limit     int    `json:"limit"`
	Scheduled bool   `json:"scheduled"`
	Running   bool   `json:"running"`
	Spec      string `json:"spec"`
}
