// drmcore/internal/core/ports/backend.go
package ports

import (
	"context"
	"errors"

	"drmcore/internal/core/domain"
)

// ErrNoBackend is returned by a Resolver when nothing handles the request.
var ErrNoBackend = errors.New("no backend found")

// Resolver selects the backend responsible for a path or MIME type.
type Resolver interface {
	ForMime(mimeType string) (Backend, error)
	ForPath(path, mimeType string) (Backend, error)
	Backends() []Backend
}

// Backend is the capability set of one rights-management plugin.
type Backend interface {
	Name() string
	SupportInfo() domain.SupportInfo

	// CanHandle must not have side effects.
	CanHandle(path, mimeType string) bool
	Constraints(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error)
	CheckRights(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error)
	ValidateAction(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error)
	RemoveRights(ctx context.Context, id domain.UniqueID, path string) error
	RemoveAllRights(ctx context.Context, id domain.UniqueID) error
	SaveRights(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error
	OriginalMimeType(ctx context.Context, id domain.UniqueID, path string) (string, error)
	ObjectType(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error)

	AcquireInfo(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error)
	ProcessInfo(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error)

	// OpenSession binds a decrypt session to src. It returns
	// domain.ErrUnsupportedContent when the content is not this backend's.
	OpenSession(ctx context.Context, id domain.UniqueID, src domain.ContentSource) (DecryptSession, error)
	// OpenConvert returns domain.ErrUnsupportedFormat when mimeType cannot
	// be converted.
	OpenConvert(ctx context.Context, id domain.UniqueID, mimeType string) (ConvertSession, error)
}

// DecryptSession is the backend half of a decrypt handle. The core
// serializes calls that mutate crypto state.
type DecryptSession interface {
	ContentID() string
	MimeType() string
	Algorithm() domain.DecryptAlgorithm

	RightsStatus(ctx context.Context, action domain.Action) (domain.RightsStatus, error)
	Consume(ctx context.Context, action domain.Action, reserve bool) error

	InitUnit(ctx context.Context, unitID int, header []byte) (*domain.UnitState, error)
	// DecryptUnit advances state in place on success.
	DecryptUnit(ctx context.Context, unitID int, state *domain.UnitState, enc, iv []byte) ([]byte, error)
	FinalizeUnit(ctx context.Context, unitID int) error

	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	SetPlaybackStatus(ctx context.Context, status domain.PlaybackStatus, position int64) error

	// Close releases backend resources and rolls back unfinalized
	// reservations.
	Close(ctx context.Context) error
}

// CountedSession is implemented by decrypt sessions whose rights carry a
// use count. Exhausted reports that an expired status comes from a spent
// count rather than the validity window.
type CountedSession interface {
	Exhausted(ctx context.Context, action domain.Action) (bool, error)
}

// ConvertSession turns a plaintext stream into the backend's container.
type ConvertSession interface {
	Convert(ctx context.Context, chunk []byte) (*domain.ConvertedStatus, error)
	// Close flushes buffered state and durably saves rights.
	Close(ctx context.Context) (*domain.ConvertedStatus, error)
	// Abort drops the session without saving rights.
	Abort(ctx context.Context) error
}
