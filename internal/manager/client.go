package manager

import (
	"context"
	"io"
	"sync"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
)

// Client binds one unique id to a Service. The id is attached on creation
// and detached by Close.
type Client struct {
	svc  Service
	id   domain.UniqueID
	once sync.Once
}

func NewClient(svc Service) *Client {
	return &Client{svc: svc, id: svc.Attach()}
}

func (c *Client) ID() domain.UniqueID { return c.id }

// Close force-closes the client's open sessions and releases its id.
// Calling Close again is a no-op.
func (c *Client) Close(ctx context.Context) {
	c.once.Do(func() { c.svc.Detach(ctx, c.id) })
}

func (c *Client) SetInfoListener(listener ports.InfoListener) error {
	return c.svc.SetInfoListener(c.id, listener)
}

func (c *Client) SupportInfo() []domain.SupportInfo { return c.svc.SupportInfo() }

func (c *Client) Constraints(ctx context.Context, path string, action domain.Action) (domain.Constraints, error) {
	return c.svc.Constraints(ctx, c.id, path, action)
}

func (c *Client) CanHandle(ctx context.Context, path, mimeType string) bool {
	return c.svc.CanHandle(ctx, c.id, path, mimeType)
}

func (c *Client) CheckRightsStatus(ctx context.Context, path string, action domain.Action) (domain.RightsStatus, error) {
	return c.svc.CheckRightsStatus(ctx, c.id, path, action)
}

func (c *Client) ValidateAction(ctx context.Context, path string, action domain.Action, desc domain.ActionDescription) (bool, error) {
	return c.svc.ValidateAction(ctx, c.id, path, action, desc)
}

func (c *Client) RemoveRights(ctx context.Context, path string) error {
	return c.svc.RemoveRights(ctx, c.id, path)
}

func (c *Client) RemoveAllRights(ctx context.Context) error {
	return c.svc.RemoveAllRights(ctx, c.id)
}

func (c *Client) SaveRights(ctx context.Context, r domain.Rights, rightsPath, contentPath string) error {
	return c.svc.SaveRights(ctx, c.id, r, rightsPath, contentPath)
}

func (c *Client) OriginalMimeType(ctx context.Context, path string) (string, error) {
	return c.svc.OriginalMimeType(ctx, c.id, path)
}

func (c *Client) ObjectType(ctx context.Context, path, mimeType string) (domain.ObjectType, error) {
	return c.svc.ObjectType(ctx, c.id, path, mimeType)
}

func (c *Client) AcquireInfo(ctx context.Context, req domain.InfoRequest) (*domain.Info, error) {
	return c.svc.AcquireInfo(ctx, c.id, req)
}

func (c *Client) ProcessInfo(ctx context.Context, info domain.Info) (*domain.InfoStatus, error) {
	return c.svc.ProcessInfo(ctx, c.id, info)
}

func (c *Client) OpenDecryptFD(ctx context.Context, r io.ReaderAt, offset, length int64) (*domain.DecryptHandle, error) {
	return c.svc.OpenDecryptFD(ctx, c.id, r, offset, length)
}

func (c *Client) OpenDecryptURI(ctx context.Context, uri string) (*domain.DecryptHandle, error) {
	return c.svc.OpenDecryptURI(ctx, c.id, uri)
}

func (c *Client) InitializeDecryptUnit(ctx context.Context, h domain.HandleID, unit int, header []byte) error {
	return c.svc.InitializeDecryptUnit(ctx, c.id, h, unit, header)
}

func (c *Client) Decrypt(ctx context.Context, h domain.HandleID, unit int, enc, iv []byte) ([]byte, error) {
	return c.svc.Decrypt(ctx, c.id, h, unit, enc, iv)
}

func (c *Client) FinalizeDecryptUnit(ctx context.Context, h domain.HandleID, unit int) error {
	return c.svc.FinalizeDecryptUnit(ctx, c.id, h, unit)
}

func (c *Client) Pread(ctx context.Context, h domain.HandleID, p []byte, off int64) (int, error) {
	return c.svc.Pread(ctx, c.id, h, p, off)
}

func (c *Client) SetPlaybackStatus(ctx context.Context, h domain.HandleID, status domain.PlaybackStatus, position int64) error {
	return c.svc.SetPlaybackStatus(ctx, c.id, h, status, position)
}

func (c *Client) ConsumeRights(ctx context.Context, h domain.HandleID, action domain.Action, reserve bool) error {
	return c.svc.ConsumeRights(ctx, c.id, h, action, reserve)
}

func (c *Client) CloseDecryptSession(ctx context.Context, h domain.HandleID) error {
	return c.svc.CloseDecryptSession(ctx, c.id, h)
}

func (c *Client) OpenConvertSession(ctx context.Context, mimeType string) (domain.ConvertID, error) {
	return c.svc.OpenConvertSession(ctx, c.id, mimeType)
}

func (c *Client) ConvertData(ctx context.Context, cid domain.ConvertID, chunk []byte) (*domain.ConvertedStatus, error) {
	return c.svc.ConvertData(ctx, c.id, cid, chunk)
}

func (c *Client) CloseConvertSession(ctx context.Context, cid domain.ConvertID) (*domain.ConvertedStatus, error) {
	return c.svc.CloseConvertSession(ctx, c.id, cid)
}

func (c *Client) AbortConvertSession(ctx context.Context, cid domain.ConvertID) error {
	return c.svc.AbortConvertSession(ctx, c.id, cid)
}

func (c *Client) ConvertStream(ctx context.Context, cid domain.ConvertID, r io.Reader, w io.WriterAt) (int64, error) {
	return c.svc.ConvertStream(ctx, c.id, cid, r, w)
}

// Reader adapts an open decrypt handle to io.ReaderAt.
func (c *Client) Reader(ctx context.Context, h domain.HandleID) io.ReaderAt {
	return readerAt(func(p []byte, off int64) (int, error) {
		return c.Pread(ctx, h, p, off)
	})
}

type readerAt func(p []byte, off int64) (int, error)

func (f readerAt) ReadAt(p []byte, off int64) (int, error) { return f(p, off) }
