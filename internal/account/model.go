// Package account holds the persisted license state of a site and the typed
// repository used to read and write it.
package account

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is the subscription tier recorded for the site.
type Level string

const (
	LevelFree       Level = "Free"
	LevelEssentials Level = "Essentials"
	LevelPremium    Level = "Premium"
	LevelEnterprise Level = "Enterprise"
)

var levelRank = map[Level]int{
	LevelFree:       0,
	LevelEssentials: 1,
	LevelPremium:    2,
	LevelEnterprise: 3,
}

// Rank orders levels. Unknown levels rank below Free.
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return -1
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// GrantsPremium reports whether the level unlocks premium-tier extensions.
func (l Level) GrantsPremium() bool {
	return l.Rank() >= LevelPremium.Rank()
}

// ParseLevel matches a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	for l := range levelRank {
		if strings.EqualFold(string(l), strings.TrimSpace(s)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown subscription level %q", s)
}

const (
	// ActivatedMarker is the value of SiteOptions.Activated for an activated site.
	ActivatedMarker = "Activated"
	// InstanceVersion is written into freshly created options.
	InstanceVersion = "2.0"
)

// SiteOptions is the license sub-document persisted for the site.
type SiteOptions struct {
	APIKey                 string       `json:"api_key"`
	ActivationEmail        string       `json:"activation_email"`
	ActivationLevel        Level        `json:"_activation_level"`
	Activated              string       `json:"_activated"`
	Instance               string       `json:"_instance"`
	InstanceVersion        string       `json:"_instance_version"`
	RemoteStatus           *StatusCache `json:"_remote_subscription_status,omitempty"`
	MarginOfError          int64        `json:"moe,omitempty"`
	RequiresDomainTransfer bool         `json:"_requires_domain_transfer,omitempty"`
	EnableFeed             bool         `json:"_enable_feed,omitempty"`
}

// DefaultSiteOptions returns the options written by a fresh activation.
func DefaultSiteOptions(instance string) SiteOptions {
	return SiteOptions{
		ActivationLevel: LevelFree,
		Activated:       ActivatedMarker,
		Instance:        instance,
		InstanceVersion: InstanceVersion,
	}
}

// IsActivated reports whether the site went through any activation.
func (o SiteOptions) IsActivated() bool {
	return o.Activated == ActivatedMarker
}

// IsConnected reports whether the site holds premium credentials.
func (o SiteOptions) IsConnected() bool {
	return o.IsActivated() && o.APIKey != "" && o.ActivationLevel != LevelFree
}

// IsPremium reports whether the recorded level unlocks premium extensions.
func (o SiteOptions) IsPremium() bool {
	return o.IsConnected() && o.ActivationLevel.GrantsPremium()
}

// StatusCache is the time-bucketed copy of the last remote status response.
type StatusCache struct {
	Timestamp int64      `json:"timestamp"`
	Status    RemoteData `json:"status"`
	Divider   int64      `json:"divider"`
}

// RemoteData is a licensing server response. The server owns its shape; the
// accessors below read the fields the manager depends on.
type RemoteData map[string]any

// Has reports whether key is present.
func (d RemoteData) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String returns the string form of key, or "" when absent.
func (d RemoteData) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Truthy interprets key loosely: true, non-zero numbers and non-empty
// strings other than "0" and "false".
func (d RemoteData) Truthy(key string) bool {
	v, ok := d[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	default:
		return true
	}
}

// StatusCheck is the server's verdict on the subscription, e.g. "active".
func (d RemoteData) StatusCheck() string { return d.String("status_check") }

// Instance is the options instance key the server has on record.
func (d RemoteData) Instance() string { return d.String("_instance") }

// ActivationDomain is the domain the server has on record.
func (d RemoteData) ActivationDomain() string { return d.String("activation_domain") }

// ActivationLevel is the tier the server reports.
func (d RemoteData) ActivationLevel() string { return d.String("_activation_level") }
