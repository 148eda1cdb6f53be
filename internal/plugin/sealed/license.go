package sealed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"drmcore/internal/core/domain"
	"drmcore/internal/storage"
	"drmcore/internal/storage/ledger"
)

const (
	LicenseMimeType        = "application/vnd.drmcore.license+json"
	LicenseRequestMimeType = "application/vnd.drmcore.license-request+json"
	LicenseSuffix          = ".lic"
)

// Attribute and parameter names used in the acquisition handshake.
const (
	ParamContentID   = "contentId"
	ParamPath        = "path"
	AttrNonce        = "nonce"
	AttrRightsPath   = "rightsPath"
	AttrContentPath  = "contentPath"
	AttrAccountID    = "accountId"
	AttrSubscription = "subscriptionId"
)

// License is the rights object issued for one piece of sealed content.
type License struct {
	ContentID string `json:"contentId"`
	MimeType  string `json:"mimeType,omitempty"`
	Key       []byte `json:"key"`
	// Count is the number of permitted uses; nil means unlimited.
	Count      *int      `json:"count,omitempty"`
	NotBefore  time.Time `json:"notBefore,omitempty"`
	Expiry     time.Time `json:"expiry,omitempty"`
	DeviceHash string    `json:"deviceHash,omitempty"`
	Nonce      string    `json:"nonce,omitempty"`
}

// Challenge is the payload a client sends to the license authority.
type Challenge struct {
	Type        string    `json:"type"`
	Nonce       string    `json:"nonce"`
	ContentID   string    `json:"contentId,omitempty"`
	DeviceHash  string    `json:"deviceHash,omitempty"`
	Platform    string    `json:"platform"`
	RequestedAt time.Time `json:"requestedAt"`
}

func ParseLicense(data []byte) (License, error) {
	var lic License
	if err := json.Unmarshal(data, &lic); err != nil {
		return lic, fmt.Errorf("failed to parse license: %w", err)
	}
	if len(lic.Key) == 0 {
		return lic, fmt.Errorf("license has no key")
	}
	if lic.Count != nil && *lic.Count < 0 {
		return lic, fmt.Errorf("invalid license count: %d", *lic.Count)
	}
	return lic, nil
}

func (l License) Encode() ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal license: %w", err)
	}
	return data, nil
}

func (l License) count() int {
	if l.Count == nil {
		return ledger.Unlimited
	}
	return *l.Count
}

func (b *Backend) SaveRights(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error {
	lic, err := ParseLicense(rights.Data)
	if err != nil {
		return &domain.BackendError{Op: "saveRights", Code: CodeBadLicense, Err: err}
	}
	return b.install(ctx, id, lic, rights.Data, rightsPath, contentPath, rights.AccountID, rights.SubscriptionID)
}

// install persists the raw license and records it in the ledger.
func (b *Backend) install(ctx context.Context, id domain.UniqueID, lic License, raw []byte, rightsPath, contentPath, accountID, subscriptionID string) error {
	if lic.ContentID == "" && contentPath != "" {
		if h, err := sniffPath(contentPath); err == nil {
			lic.ContentID = h.ContentID
			if lic.MimeType == "" {
				lic.MimeType = h.MimeType
			}
		}
	}
	if lic.ContentID == "" {
		return &domain.BackendError{Op: "saveRights", Code: CodeBadLicense, Err: errors.New("license names no content")}
	}
	if rightsPath == "" {
		rightsPath = rightsPathFor(id, lic.ContentID)
	}

	if err := b.store.Put(ctx, rightsPath, raw, LicenseMimeType); err != nil {
		if errors.Is(err, domain.ErrIO) {
			return fmt.Errorf("failed to save rights: %w", err)
		}
		return fmt.Errorf("failed to save rights: %w: %v", domain.ErrIO, err)
	}
	return b.record(id, lic, rightsPath, contentPath, accountID, subscriptionID)
}

// record enters lic into the ledger. The blob must already be stored at
// rightsPath.
func (b *Backend) record(id domain.UniqueID, lic License, rightsPath, contentPath, accountID, subscriptionID string) error {
	count := lic.count()
	err := b.ledger.Put(id, ledger.Record{
		ContentID:      lic.ContentID,
		MimeType:       lic.MimeType,
		Key:            lic.Key,
		MaxCount:       count,
		Remaining:      count,
		NotBefore:      lic.NotBefore,
		Expiry:         lic.Expiry,
		DeviceHash:     lic.DeviceHash,
		AccountID:      accountID,
		SubscriptionID: subscriptionID,
		RightsPath:     rightsPath,
		ContentPath:    contentPath,
	})
	if err != nil {
		return fmt.Errorf("failed to install rights: %w: %v", domain.ErrIO, err)
	}

	b.log.WithFields(logrus.Fields{
		"unique_id":   id,
		"content_id":  lic.ContentID,
		"rights_path": rightsPath,
	}).Debug("rights installed")
	eventPath := contentPath
	if eventPath == "" {
		eventPath = rightsPath
	}
	b.notify(id, domain.Event{Type: domain.EventRightsInstalled, Path: eventPath})
	return nil
}

// restore reinstalls the rights of id on contentID from the license blob in
// the rights store when the ledger holds no record of them, as after moving
// to a fresh ledger that shares the store. A record already in the ledger
// always wins, so spent counts are never refilled from the blob.
func (b *Backend) restore(ctx context.Context, id domain.UniqueID, contentID string) error {
	_, found, err := b.ledger.Get(id, contentID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if found {
		return nil
	}

	rightsPath := rightsPathFor(id, contentID)
	raw, _, err := b.store.Get(ctx, rightsPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read rights: %w: %v", domain.ErrIO, err)
	}
	log := b.log.WithFields(logrus.Fields{"unique_id": id, "content_id": contentID, "rights_path": rightsPath})
	lic, err := ParseLicense(raw)
	if err != nil || lic.ContentID != contentID {
		log.WithError(err).Warn("ignoring unusable license blob")
		return nil
	}
	log.Info("restoring rights from license blob")
	return b.record(id, lic, rightsPath, "", "", "")
}

func (b *Backend) AcquireInfo(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error) {
	challenge := Challenge{
		Nonce:       uuid.NewString(),
		DeviceHash:  b.deviceHash(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		RequestedAt: b.now().UTC(),
	}

	switch req.InfoType {
	case domain.InfoTypeRegistration:
		challenge.Type = "registration"
	case domain.InfoTypeUnregistration:
		challenge.Type = "unregistration"
	case domain.InfoTypeRightsAcquisition:
		challenge.Type = "rights_acquisition"
		challenge.ContentID = req.Params[ParamContentID]
		if challenge.ContentID == "" {
			p := req.Params[ParamPath]
			if p == "" {
				return nil, &domain.BackendError{Op: "acquireInfo", Code: CodeBadRequest, Err: errors.New("request names no content")}
			}
			h, err := sniffPath(p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p, domain.ErrUnsupportedContent)
			}
			challenge.ContentID = h.ContentID
		}
	case domain.InfoTypeRightsAcquisitionProgress:
		b.pendingMu.Lock()
		n := len(b.pending[id])
		b.pendingMu.Unlock()
		return &domain.Info{
			InfoType:   req.InfoType,
			MimeType:   LicenseRequestMimeType,
			Attributes: map[string]string{"pending": strconv.Itoa(n)},
		}, nil
	default:
		return nil, &domain.BackendError{Op: "acquireInfo", Code: CodeBadRequest, Err: fmt.Errorf("unknown info type %d", req.InfoType)}
	}

	data, err := json.Marshal(challenge)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if req.InfoType == domain.InfoTypeRightsAcquisition {
		b.pendingMu.Lock()
		if b.pending[id] == nil {
			b.pending[id] = make(map[string]string)
		}
		b.pending[id][challenge.Nonce] = challenge.ContentID
		b.pendingMu.Unlock()
	}

	return &domain.Info{
		InfoType:   req.InfoType,
		MimeType:   LicenseRequestMimeType,
		Data:       data,
		Attributes: map[string]string{AttrNonce: challenge.Nonce},
	}, nil
}

// ProcessInfo consumes the authority's response. Malformed responses are
// reported in the returned status rather than as an error.
func (b *Backend) ProcessInfo(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error) {
	status := &domain.InfoStatus{InfoType: info.InfoType, MimeType: info.MimeType, Code: domain.StatusOK}

	switch info.InfoType {
	case domain.InfoTypeRegistration, domain.InfoTypeRightsAcquisitionProgress:
		return status, nil
	case domain.InfoTypeUnregistration:
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
		if err := b.RemoveAllRights(ctx, id); err != nil {
			status.Code = domain.StatusError
			return status, err
		}
		return status, nil
	case domain.InfoTypeRightsAcquisition:
	default:
		status.Code = domain.StatusInputDataError
		return status, nil
	}

	lic, err := ParseLicense(info.Data)
	if err != nil {
		b.log.WithError(err).WithField("unique_id", id).Debug("rejecting license response")
		status.Code = domain.StatusInputDataError
		return status, nil
	}
	if lic.Nonce != "" && !b.takeNonce(id, lic.Nonce, lic.ContentID) {
		b.log.WithField("unique_id", id).Debug("license nonce does not match a pending request")
		status.Code = domain.StatusInputDataError
		return status, nil
	}

	rightsPath := info.Attributes[AttrRightsPath]
	if rightsPath == "" && lic.ContentID != "" {
		rightsPath = rightsPathFor(id, lic.ContentID)
	}
	err = b.install(ctx, id, lic, info.Data, rightsPath, info.Attributes[AttrContentPath],
		info.Attributes[AttrAccountID], info.Attributes[AttrSubscription])
	if err != nil {
		status.Code = domain.StatusError
		return status, err
	}
	status.OutputPath = rightsPath
	return status, nil
}

func (b *Backend) takeNonce(id domain.UniqueID, nonce, contentID string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	want, ok := b.pending[id][nonce]
	if !ok || (contentID != "" && want != contentID) {
		return false
	}
	delete(b.pending[id], nonce)
	if len(b.pending[id]) == 0 {
		delete(b.pending, id)
	}
	return true
}
