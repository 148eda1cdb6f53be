package sealed

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"drmcore/internal/container"
	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
)

const algorithmName = "AES-256-GCM"

// OpenConvert starts sealing a plaintext stream of mimeType under a fresh
// content id and key.
func (b *Backend) OpenConvert(ctx context.Context, id domain.UniqueID, mimeType string) (ports.ConvertSession, error) {
	if !b.converts(mimeType) {
		return nil, fmt.Errorf("%s: %w", mimeType, domain.ErrUnsupportedFormat)
	}

	key, err := b.engine.GenerateKey()
	if err != nil {
		return nil, &domain.BackendError{Op: "openConvert", Code: CodeCipher, Err: fmt.Errorf("failed to generate key: %w", err)}
	}
	sealer, err := container.NewSealer(b.engine, key, container.Header{
		ContentID: uuid.NewString(),
		MimeType:  mimeType,
		Algorithm: algorithmName,
		ChunkSize: b.chunkSize,
		CreatedAt: b.now().UTC(),
	})
	if err != nil {
		return nil, &domain.BackendError{Op: "openConvert", Code: CodeCipher, Err: err}
	}

	return &convertSession{
		b:      b,
		uid:    id,
		mime:   mimeType,
		key:    key,
		sealer: sealer,
		log:    b.log.WithFields(logrus.Fields{"unique_id": id, "content_id": sealer.Header().ContentID}),
	}, nil
}

func (b *Backend) converts(mimeType string) bool {
	if mimeType == "" || strings.EqualFold(mimeType, container.MimeType) || strings.EqualFold(mimeType, LicenseMimeType) {
		return false
	}
	if len(b.convertMimeTypes) == 0 {
		return true
	}
	for _, m := range b.convertMimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

type convertSession struct {
	b      *Backend
	uid    domain.UniqueID
	mime   string
	key    []byte
	sealer *container.Sealer
	log    logrus.FieldLogger
}

func (c *convertSession) Convert(ctx context.Context, chunk []byte) (*domain.ConvertedStatus, error) {
	out, offset, err := c.sealer.Push(chunk)
	if err != nil {
		return &domain.ConvertedStatus{Status: domain.StatusError}, &domain.BackendError{Op: "convert", Code: CodeCipher, Err: err}
	}
	return &domain.ConvertedStatus{Status: domain.StatusOK, Data: out, Offset: offset}, nil
}

// Close seals the tail of the stream and installs rights for the new
// content under the converting client.
func (c *convertSession) Close(ctx context.Context) (*domain.ConvertedStatus, error) {
	out, offset, err := c.sealer.Finish()
	if err != nil {
		return &domain.ConvertedStatus{Status: domain.StatusError}, &domain.BackendError{Op: "closeConvert", Code: CodeCipher, Err: err}
	}

	lic := License{
		ContentID:  c.sealer.Header().ContentID,
		MimeType:   c.mime,
		Key:        c.key,
		DeviceHash: c.b.deviceHash(),
	}
	if c.b.defaultCount >= 0 {
		count := c.b.defaultCount
		lic.Count = &count
	}
	raw, err := lic.Encode()
	if err != nil {
		return &domain.ConvertedStatus{Status: domain.StatusError}, err
	}
	if err := c.b.install(ctx, c.uid, lic, raw, "", "", "", ""); err != nil {
		return &domain.ConvertedStatus{Status: domain.StatusError}, err
	}

	c.log.WithField("size", c.sealer.Offset()).Debug("conversion complete")
	return &domain.ConvertedStatus{Status: domain.StatusOK, Data: out, Offset: offset}, nil
}

func (c *convertSession) Abort(ctx context.Context) error {
	c.sealer.Discard()
	c.log.Debug("conversion aborted")
	return nil
}
