// Package notices maps user-notice codes to messages and keeps the single
// pending notice shown on the next administrative page view.
package notices

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rcourtman/extension-manager/internal/account"
	"github.com/rcourtman/extension-manager/internal/metrics"
	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Code is a user-notice code. Zero means no notice.
type Code int

const (
	None Code = 0

	NoAPIKey      Code = 101
	InvalidEmail  Code = 102
	PremiumFailed Code = 401
	PremiumActive Code = 402
	UpgradeFailed Code = 403
	KeyRejected   Code = 404
	BadResponse   Code = 405

	Disconnected      Code = 501
	DisconnectRefused Code = 502
	DisconnectNoReply Code = 503

	FreeActivated    Code = 601
	FreeActivateFail Code = 602

	NotActivated   Code = 701
	FeedEnabled    Code = 702
	FeedFailed     Code = 703
	UnknownRequest Code = 708

	Deactivated     Code = 801
	DeactivateFail  Code = 802
	GracePostponed  Code = 803
	DowngradedFree  Code = 901
	InstanceFailed  Code = 902
	DomainTransfer  Code = 903
	UpgradedEssents Code = 904
	UpgradedPremium Code = 905
	UpgradedEnterpr Code = 906

	CatalogTampered Code = 2001

	ExtChecksumMissing  Code = 10001
	ExtChecksumMismatch Code = 10002
	ExtLicenseInvalid   Code = 10003
	ExtIncompatible     Code = 10004
	ExtEnableFailed     Code = 10005
	ExtUnknown          Code = 10006
	ExtPremiumEnabled   Code = 10007
	ExtNotEntitled      Code = 10008
	ExtFreeEnabled      Code = 10009
	ExtUnexpected       Code = 10010
	ExtDisabled         Code = 11001
	ExtDisableFailed    Code = 11002
)

// Kind is how a notice is styled.
type Kind string

const (
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindUpdated Kind = "updated"
)

// Entry is a registered notice.
type Entry struct {
	Message string
	Kind    Kind
}

var registry = map[Code]Entry{
	NoAPIKey:      {"No valid license key was supplied.", KindError},
	InvalidEmail:  {"No valid license email was supplied.", KindError},
	PremiumFailed: {"Your account has been activated remotely but could not be stored; your site has been downgraded.", KindError},
	PremiumActive: {"Your account has been successfully activated.", KindUpdated},
	UpgradeFailed: {"Your account upgrade could not be completed. Please try again later.", KindError},
	KeyRejected:   {"An error occurred while activating your account. Please verify your license key.", KindError},
	BadResponse:   {"The licensing server returned an unexpected response.", KindError},

	Disconnected:      {"Your account has been successfully disconnected from this site.", KindUpdated},
	DisconnectRefused: {"The licensing server refused to disconnect this site.", KindError},
	DisconnectNoReply: {"The licensing server could not be reached to disconnect this site.", KindError},

	FreeActivated:    {"Free extensions have been activated.", KindUpdated},
	FreeActivateFail: {"Free extensions could not be activated.", KindError},

	NotActivated:   {"The extension manager is not activated.", KindError},
	FeedEnabled:    {"The news feed has been enabled.", KindUpdated},
	FeedFailed:     {"The news feed could not be enabled.", KindError},
	UnknownRequest: {"Unknown request.", KindError},

	Deactivated:     {"Your account has been deactivated.", KindUpdated},
	DeactivateFail:  {"Your account could not be deactivated.", KindError},
	GracePostponed:  {"Your subscription could not be verified. Premium features remain available for a few days.", KindWarning},
	DowngradedFree:  {"Your subscription has expired or was cancelled; the site has been downgraded to Free.", KindWarning},
	InstanceFailed:  {"Your subscription instance could not be verified; the site has been downgraded.", KindError},
	DomainTransfer:  {"This site's domain does not match the licensed domain. Please transfer your license.", KindWarning},
	UpgradedEssents: {"Your subscription level is now Essentials.", KindUpdated},
	UpgradedPremium: {"Your subscription level is now Premium.", KindUpdated},
	UpgradedEnterpr: {"Your subscription level is now Enterprise.", KindUpdated},

	CatalogTampered: {"The extension catalog failed its integrity check; no extensions were loaded.", KindError},

	ExtChecksumMissing:  {"Extension checksum could not be computed.", KindError},
	ExtChecksumMismatch: {"Extension checksum does not match; the catalog may have been altered.", KindError},
	ExtLicenseInvalid:   {"Your subscription could not be validated for this extension.", KindError},
	ExtIncompatible:     {"The extension is not compatible with this server configuration.", KindError},
	ExtEnableFailed:     {"The extension could not be activated.", KindError},
	ExtUnknown:          {"The extension does not exist.", KindError},
	ExtPremiumEnabled:   {"Premium extension has been activated.", KindUpdated},
	ExtNotEntitled:      {"The extension requires a premium subscription.", KindError},
	ExtFreeEnabled:      {"Extension has been activated.", KindUpdated},
	ExtUnexpected:       {"An unexpected error occurred while activating the extension.", KindError},
	ExtDisabled:         {"Extension has been deactivated.", KindUpdated},
	ExtDisableFailed:    {"The extension could not be deactivated.", KindError},
}

// Lookup returns the registered entry for code.
func Lookup(code Code) (Entry, bool) {
	e, ok := registry[code]
	return e, ok
}

// Message renders code for display.
func (c Code) Message() string {
	e, ok := registry[c]
	if !ok {
		return fmt.Sprintf("An unknown error occurred. Error code: %d.", int(c))
	}
	return e.Message
}

// Kind returns the display kind, defaulting to error.
func (c Code) Kind() Kind {
	if e, ok := registry[c]; ok {
		return e.Kind
	}
	return KindError
}

func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// Pending is a stored notice.
type Pending struct {
	Code  Code   `json:"code"`
	Extra string `json:"extra,omitempty"`
}

// Render formats the notice. Errors and warnings carry their code.
func (p Pending) Render() string {
	msg := p.Code.Message()
	if p.Extra != "" {
		msg += " " + p.Extra
	}
	if p.Code.Kind() == KindUpdated {
		return msg
	}
	return fmt.Sprintf("%s Error code: %d.", msg, int(p.Code))
}

// Store persists one pending notice.
type Store struct {
	opts hostapi.OptionStore
}

// NewStore wraps an option store.
func NewStore(opts hostapi.OptionStore) *Store {
	return &Store{opts: opts}
}

// Set replaces the pending notice. Setting None is a no-op.
func (s *Store) Set(ctx context.Context, code Code, extra string) error {
	if code == None {
		return nil
	}
	metrics.RecordNotice(int(code))
	raw, err := json.Marshal(Pending{Code: code, Extra: extra})
	if err != nil {
		return err
	}
	return s.opts.Set(ctx, account.NoticeKey, raw)
}

// Pop returns and clears the pending notice.
func (s *Store) Pop(ctx context.Context) (Pending, bool, error) {
	raw, found, err := s.opts.Get(ctx, account.NoticeKey)
	if err != nil || !found {
		return Pending{}, false, err
	}
	if err := s.opts.Delete(ctx, account.NoticeKey); err != nil {
		return Pending{}, false, err
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pending{}, false, fmt.Errorf("decode notice: %w", err)
	}
	return p, p.Code != None, nil
}
