// Package sealed is the reference backend. Content is the chunked AES-GCM
// container from internal/container; rights live in the badger ledger keyed
// by (unique id, content id) and the raw license blob goes to a Store.
package sealed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"drmcore/internal/container"
	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/device"
	"drmcore/internal/pkg/crypto/aes"
	"drmcore/internal/storage"
	"drmcore/internal/storage/ledger"
)

const Name = "sealed"

// Opaque codes carried by domain.BackendError.
const (
	CodeBadHeader = iota + 1
	CodeCipher
	CodeBadLicense
	CodeBadRequest
	CodeBadPlayback
)

type Options struct {
	Engine ports.Engine
	Ledger *ledger.Ledger
	Store  storage.Store
	Device device.Identifier
	Events ports.EventSink
	Logger logrus.FieldLogger

	ChunkSize int
	// DefaultCount is the number of uses granted for content sealed by a
	// conversion session. ledger.Unlimited grants unlimited use.
	DefaultCount        int
	RequireRightsOnOpen bool
	BindDevice          bool
	// ConvertMimeTypes restricts conversion input. Empty accepts any type
	// except already sealed content.
	ConvertMimeTypes []string

	Now func() time.Time
}

type Backend struct {
	engine ports.Engine
	ledger *ledger.Ledger
	store  storage.Store
	device device.Identifier
	events ports.EventSink
	log    logrus.FieldLogger
	now    func() time.Time

	chunkSize        int
	defaultCount     int
	requireRights    bool
	bindDevice       bool
	convertMimeTypes []string

	// outstanding acquisition nonces per client
	pendingMu sync.Mutex
	pending   map[domain.UniqueID]map[string]string
}

func New(opts Options) (*Backend, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("rights store is required")
	}
	if opts.Engine == nil {
		opts.Engine = aes.NewEngine(32)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = container.DefaultChunkSize
	}
	if err := container.ValidChunkSize(opts.ChunkSize); err != nil {
		return nil, err
	}
	if opts.DefaultCount < ledger.Unlimited {
		return nil, fmt.Errorf("invalid default count: %d", opts.DefaultCount)
	}
	if opts.BindDevice && opts.Device == nil {
		return nil, fmt.Errorf("device binding requires a device identifier")
	}

	return &Backend{
		engine:           opts.Engine,
		ledger:           opts.Ledger,
		store:            opts.Store,
		device:           opts.Device,
		events:           opts.Events,
		log:              opts.Logger.WithField("backend", Name),
		now:              opts.Now,
		chunkSize:        opts.ChunkSize,
		defaultCount:     opts.DefaultCount,
		requireRights:    opts.RequireRightsOnOpen,
		bindDevice:       opts.BindDevice,
		convertMimeTypes: opts.ConvertMimeTypes,
		pending:          make(map[domain.UniqueID]map[string]string),
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) SupportInfo() domain.SupportInfo {
	return domain.SupportInfo{
		Description:  "Sealed chunked AES-GCM content",
		MimeTypes:    []string{container.MimeType, LicenseMimeType},
		FileSuffixes: []string{container.Extension, LicenseSuffix},
	}
}

// CanHandle only reads the first bytes of path.
func (b *Backend) CanHandle(p, mimeType string) bool {
	if strings.EqualFold(mimeType, container.MimeType) || strings.EqualFold(mimeType, LicenseMimeType) {
		return true
	}
	if ext := strings.ToLower(filepath.Ext(p)); ext == container.Extension || ext == LicenseSuffix {
		return true
	}
	_, err := sniffPath(p)
	return err == nil
}

func (b *Backend) Constraints(ctx context.Context, id domain.UniqueID, p string, action domain.Action) (domain.Constraints, error) {
	contentID, ok := b.resolveContent(id, p)
	if !ok {
		return nil, nil
	}
	rec, found, err := b.ledger.Get(id, contentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	c := domain.Constraints{}
	if !found {
		return c, nil
	}

	if rec.MaxCount != ledger.Unlimited {
		avail, err := b.ledger.Available(id, contentID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
		c[domain.ConstraintMaxRepeatCount] = strconv.Itoa(rec.MaxCount)
		c[domain.ConstraintRemainingRepeatCount] = strconv.Itoa(avail)
	}
	start := rec.NotBefore
	if start.IsZero() {
		start = rec.InstalledAt
	}
	c[domain.ConstraintLicenseStartTime] = strconv.FormatInt(start.Unix(), 10)
	if !rec.Expiry.IsZero() {
		left := rec.Expiry.Sub(b.now())
		if left < 0 {
			left = 0
		}
		c[domain.ConstraintLicenseExpiryTime] = strconv.FormatInt(rec.Expiry.Unix(), 10)
		c[domain.ConstraintLicenseAvailableTime] = strconv.FormatInt(int64(left/time.Second), 10)
	}
	if rec.AccountID != "" {
		c[domain.ConstraintExtendedMetadata] = "accountId=" + rec.AccountID
	}
	return c, nil
}

func (b *Backend) CheckRights(ctx context.Context, id domain.UniqueID, p string, action domain.Action) (domain.RightsStatus, error) {
	contentID, ok := b.resolveContent(id, p)
	if !ok {
		return domain.RightsNotAcquired, nil
	}
	if err := b.restore(ctx, id, contentID); err != nil {
		return domain.RightsInvalid, err
	}
	status, _, err := b.status(id, contentID, false)
	return status, err
}

func (b *Backend) ValidateAction(ctx context.Context, id domain.UniqueID, p string, action domain.Action, desc domain.ActionDescription) (bool, error) {
	contentID, ok := b.resolveContent(id, p)
	if !ok {
		return false, nil
	}
	status, rec, err := b.status(id, contentID, false)
	if err != nil || status != domain.RightsValid {
		return false, err
	}
	if rec.Remaining == ledger.Unlimited {
		return true, nil
	}
	need := desc.Count
	if need < 1 {
		need = 1
	}
	avail, err := b.ledger.Available(id, contentID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return avail >= need, nil
}

// RemoveRights deletes the license blob before the ledger record, so a
// failed removal never leaves a blob that restore would reinstall.
func (b *Backend) RemoveRights(ctx context.Context, id domain.UniqueID, p string) error {
	contentID, ok := b.resolveContent(id, p)
	if !ok {
		return nil
	}
	rec, found, err := b.ledger.Get(id, contentID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if !found {
		return nil
	}
	if err := b.deleteBlob(ctx, rec); err != nil {
		return err
	}
	if _, err := b.ledger.Delete(id, contentID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	b.notify(id, domain.Event{Type: domain.EventRightsRemoved, Path: p})
	return nil
}

// RemoveAllRights keeps the record of any license whose blob could not be
// deleted and reports the failure.
func (b *Backend) RemoveAllRights(ctx context.Context, id domain.UniqueID) error {
	records, err := b.ledger.List(id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	var errs []error
	for _, rec := range records {
		if err := b.deleteBlob(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	removed := 0
	if len(errs) == 0 {
		all, err := b.ledger.DeleteAll(id)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
		removed = len(all)
	} else {
		kept := make(map[string]bool, len(errs))
		for _, err := range errs {
			var be *blobError
			if errors.As(err, &be) {
				kept[be.contentID] = true
			}
		}
		for _, rec := range records {
			if kept[rec.ContentID] {
				continue
			}
			if _, err := b.ledger.Delete(id, rec.ContentID); err != nil {
				errs = append(errs, fmt.Errorf("%w: %v", domain.ErrIO, err))
				continue
			}
			removed++
		}
	}

	if removed > 0 {
		b.notify(id, domain.Event{
			Type:    domain.EventRightsRemoved,
			Message: fmt.Sprintf("%d licenses removed", removed),
		})
	}
	return errors.Join(errs...)
}

type blobError struct {
	contentID string
	err       error
}

func (e *blobError) Error() string {
	return fmt.Sprintf("failed to delete license blob for %s: %v", e.contentID, e.err)
}

func (e *blobError) Unwrap() error { return domain.ErrIO }

func (b *Backend) deleteBlob(ctx context.Context, rec ledger.Record) error {
	if rec.RightsPath == "" {
		return nil
	}
	if err := b.store.Delete(ctx, rec.RightsPath); err != nil {
		b.log.WithError(err).WithField("rights_path", rec.RightsPath).Warn("failed to delete license blob")
		return &blobError{contentID: rec.ContentID, err: err}
	}
	return nil
}

func (b *Backend) OriginalMimeType(ctx context.Context, id domain.UniqueID, p string) (string, error) {
	if h, err := sniffPath(p); err == nil {
		return h.MimeType, nil
	}
	if contentID, ok := b.resolveContent(id, p); ok {
		rec, found, err := b.ledger.Get(id, contentID)
		if err == nil && found {
			return rec.MimeType, nil
		}
	}
	return "", nil
}

func (b *Backend) ObjectType(ctx context.Context, id domain.UniqueID, p, mimeType string) (domain.ObjectType, error) {
	switch {
	case strings.EqualFold(mimeType, LicenseMimeType), strings.EqualFold(filepath.Ext(p), LicenseSuffix):
		return domain.ObjectRightsObject, nil
	case strings.EqualFold(mimeType, container.MimeType), strings.EqualFold(filepath.Ext(p), container.Extension):
		return domain.ObjectContent, nil
	}
	if _, err := sniffPath(p); err == nil {
		return domain.ObjectContent, nil
	}
	return domain.ObjectUnknown, nil
}

// status evaluates the rights of id on contentID. paid reports that the
// caller already holds a consumed or reserved use, which keeps an exhausted
// count valid for it.
func (b *Backend) status(id domain.UniqueID, contentID string, paid bool) (domain.RightsStatus, ledger.Record, error) {
	rec, found, err := b.ledger.Get(id, contentID)
	if err != nil {
		return domain.RightsInvalid, rec, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if !found {
		return domain.RightsNotAcquired, rec, nil
	}
	if rec.Expired(b.now()) {
		return domain.RightsExpired, rec, nil
	}
	if !b.deviceMatches(rec) {
		return domain.RightsInvalid, rec, nil
	}
	if rec.Remaining == 0 && !paid {
		return domain.RightsExpired, rec, nil
	}
	return domain.RightsValid, rec, nil
}

// exhausted reports that the rights of id on contentID are inside their
// validity window and bound to this device but the count is spent.
func (b *Backend) exhausted(id domain.UniqueID, contentID string, paid bool) (bool, error) {
	if paid {
		return false, nil
	}
	rec, found, err := b.ledger.Get(id, contentID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return found && !rec.Expired(b.now()) && b.deviceMatches(rec) && rec.Remaining == 0, nil
}

func (b *Backend) deviceHash() string {
	if !b.bindDevice {
		return ""
	}
	info, err := b.device.DeviceInfo()
	if err != nil {
		b.log.WithError(err).Warn("failed to identify device")
		return ""
	}
	return info.HardwareHash
}

func (b *Backend) deviceMatches(rec ledger.Record) bool {
	if !b.bindDevice || rec.DeviceHash == "" {
		return true
	}
	current, err := b.device.DeviceInfo()
	if err != nil {
		return false
	}
	return device.Matches(current, domain.DeviceInfo{HardwareHash: rec.DeviceHash})
}

// resolveContent maps a path to its content id, first from the container
// header and then from the content path recorded with installed rights.
func (b *Backend) resolveContent(id domain.UniqueID, p string) (string, bool) {
	if h, err := sniffPath(p); err == nil {
		return h.ContentID, true
	}
	if p == "" {
		return "", false
	}
	records, err := b.ledger.List(id)
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		if rec.ContentPath == p || rec.RightsPath == p {
			return rec.ContentID, true
		}
	}
	return "", false
}

func (b *Backend) notify(id domain.UniqueID, event domain.Event) {
	if b.events != nil {
		b.events.Notify(id, event)
	}
}

func rightsPathFor(id domain.UniqueID, contentID string) string {
	return path.Join("licenses", fmt.Sprintf("%08x", uint32(id)), contentID+LicenseSuffix)
}

func localPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func sniffPath(p string) (container.Header, error) {
	if p == "" {
		return container.Header{}, container.ErrNotSealed
	}
	f, err := os.Open(localPath(p))
	if err != nil {
		return container.Header{}, err
	}
	defer f.Close()
	return container.Sniff(f, 0)
}
