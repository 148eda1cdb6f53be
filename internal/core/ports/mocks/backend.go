package mocks

import (
	"context"
	"sync"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
)

// MockMimeType is handled by a default MockBackend.
const MockMimeType = "application/x-mock-drm"

// calls counts method invocations by name.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) record(name string) {
	c.mu.Lock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[name]++
	c.mu.Unlock()
}

// Calls reports how often the named method ran.
func (c *calls) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

// MockBackend is a ports.Backend whose behaviour is set per test.
type MockBackend struct {
	calls

	NameValue            string
	Support              domain.SupportInfo
	CanHandleFunc        func(path, mimeType string) bool
	ConstraintsFunc      func(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error)
	CheckRightsFunc      func(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error)
	ValidateActionFunc   func(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error)
	RemoveRightsFunc     func(ctx context.Context, id domain.UniqueID, path string) error
	RemoveAllRightsFunc  func(ctx context.Context, id domain.UniqueID) error
	SaveRightsFunc       func(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error
	OriginalMimeTypeFunc func(ctx context.Context, id domain.UniqueID, path string) (string, error)
	ObjectTypeFunc       func(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error)
	AcquireInfoFunc      func(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error)
	ProcessInfoFunc      func(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error)
	OpenSessionFunc      func(ctx context.Context, id domain.UniqueID, src domain.ContentSource) (ports.DecryptSession, error)
	OpenConvertFunc      func(ctx context.Context, id domain.UniqueID, mimeType string) (ports.ConvertSession, error)
}

func NewMockBackend(name string) *MockBackend {
	return &MockBackend{
		NameValue: name,
		Support: domain.SupportInfo{
			Description:  name,
			MimeTypes:    []string{MockMimeType},
			FileSuffixes: []string{".mock"},
		},
		CanHandleFunc: func(path, mimeType string) bool {
			return mimeType == MockMimeType
		},
		ConstraintsFunc: func(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error) {
			return domain.Constraints{}, nil
		},
		CheckRightsFunc: func(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error) {
			return domain.RightsValid, nil
		},
		ValidateActionFunc: func(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error) {
			return true, nil
		},
		RemoveRightsFunc: func(ctx context.Context, id domain.UniqueID, path string) error {
			return nil
		},
		RemoveAllRightsFunc: func(ctx context.Context, id domain.UniqueID) error {
			return nil
		},
		SaveRightsFunc: func(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error {
			return nil
		},
		OriginalMimeTypeFunc: func(ctx context.Context, id domain.UniqueID, path string) (string, error) {
			return "", nil
		},
		ObjectTypeFunc: func(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error) {
			return domain.ObjectContent, nil
		},
		AcquireInfoFunc: func(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error) {
			return &domain.Info{InfoType: req.InfoType, MimeType: req.MimeType}, nil
		},
		ProcessInfoFunc: func(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error) {
			return &domain.InfoStatus{Code: domain.StatusOK, InfoType: info.InfoType, MimeType: info.MimeType}, nil
		},
		OpenSessionFunc: func(ctx context.Context, id domain.UniqueID, src domain.ContentSource) (ports.DecryptSession, error) {
			return NewMockDecryptSession(), nil
		},
		OpenConvertFunc: func(ctx context.Context, id domain.UniqueID, mimeType string) (ports.ConvertSession, error) {
			return nil, domain.ErrUnsupportedFormat
		},
	}
}

func (m *MockBackend) Name() string { return m.NameValue }

func (m *MockBackend) SupportInfo() domain.SupportInfo { return m.Support }

func (m *MockBackend) CanHandle(path, mimeType string) bool {
	m.record("CanHandle")
	return m.CanHandleFunc(path, mimeType)
}

func (m *MockBackend) Constraints(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error) {
	m.record("Constraints")
	return m.ConstraintsFunc(ctx, id, path, action)
}

func (m *MockBackend) CheckRights(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error) {
	m.record("CheckRights")
	return m.CheckRightsFunc(ctx, id, path, action)
}

func (m *MockBackend) ValidateAction(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error) {
	m.record("ValidateAction")
	return m.ValidateActionFunc(ctx, id, path, action, desc)
}

func (m *MockBackend) RemoveRights(ctx context.Context, id domain.UniqueID, path string) error {
	m.record("RemoveRights")
	return m.RemoveRightsFunc(ctx, id, path)
}

func (m *MockBackend) RemoveAllRights(ctx context.Context, id domain.UniqueID) error {
	m.record("RemoveAllRights")
	return m.RemoveAllRightsFunc(ctx, id)
}

func (m *MockBackend) SaveRights(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error {
	m.record("SaveRights")
	return m.SaveRightsFunc(ctx, id, rights, rightsPath, contentPath)
}

func (m *MockBackend) OriginalMimeType(ctx context.Context, id domain.UniqueID, path string) (string, error) {
	m.record("OriginalMimeType")
	return m.OriginalMimeTypeFunc(ctx, id, path)
}

func (m *MockBackend) ObjectType(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error) {
	m.record("ObjectType")
	return m.ObjectTypeFunc(ctx, id, path, mimeType)
}

func (m *MockBackend) AcquireInfo(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error) {
	m.record("AcquireInfo")
	return m.AcquireInfoFunc(ctx, id, req)
}

func (m *MockBackend) ProcessInfo(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error) {
	m.record("ProcessInfo")
	return m.ProcessInfoFunc(ctx, id, info)
}

func (m *MockBackend) OpenSession(ctx context.Context, id domain.UniqueID, src domain.ContentSource) (ports.DecryptSession, error) {
	m.record("OpenSession")
	return m.OpenSessionFunc(ctx, id, src)
}

func (m *MockBackend) OpenConvert(ctx context.Context, id domain.UniqueID, mimeType string) (ports.ConvertSession, error) {
	m.record("OpenConvert")
	return m.OpenConvertFunc(ctx, id, mimeType)
}

// MockDecryptSession is a ports.DecryptSession whose behaviour is set per
// test. By default units decrypt by copying and advance the counter by the
// input length.
type MockDecryptSession struct {
	calls

	ContentIDValue        string
	MimeTypeValue         string
	AlgorithmValue        domain.DecryptAlgorithm
	RightsStatusFunc      func(ctx context.Context, action domain.Action) (domain.RightsStatus, error)
	ConsumeFunc           func(ctx context.Context, action domain.Action, reserve bool) error
	InitUnitFunc          func(ctx context.Context, unitID int, header []byte) (*domain.UnitState, error)
	DecryptUnitFunc       func(ctx context.Context, unitID int, state *domain.UnitState, enc, iv []byte) ([]byte, error)
	FinalizeUnitFunc      func(ctx context.Context, unitID int) error
	ReadAtFunc            func(ctx context.Context, p []byte, off int64) (int, error)
	SetPlaybackStatusFunc func(ctx context.Context, status domain.PlaybackStatus, position int64) error
	ExhaustedFunc         func(ctx context.Context, action domain.Action) (bool, error)
	CloseFunc             func(ctx context.Context) error
}

func NewMockDecryptSession() *MockDecryptSession {
	return &MockDecryptSession{
		ContentIDValue: "mock-content",
		MimeTypeValue:  MockMimeType,
		AlgorithmValue: domain.AlgorithmAESCTR,
		RightsStatusFunc: func(ctx context.Context, action domain.Action) (domain.RightsStatus, error) {
			return domain.RightsValid, nil
		},
		ConsumeFunc: func(ctx context.Context, action domain.Action, reserve bool) error {
			return nil
		},
		InitUnitFunc: func(ctx context.Context, unitID int, header []byte) (*domain.UnitState, error) {
			return &domain.UnitState{IV: append([]byte(nil), header...)}, nil
		},
		DecryptUnitFunc: func(ctx context.Context, unitID int, state *domain.UnitState, enc, iv []byte) ([]byte, error) {
			state.Counter += uint64(len(enc))
			return append([]byte(nil), enc...), nil
		},
		FinalizeUnitFunc: func(ctx context.Context, unitID int) error {
			return nil
		},
		ReadAtFunc: func(ctx context.Context, p []byte, off int64) (int, error) {
			return 0, nil
		},
		SetPlaybackStatusFunc: func(ctx context.Context, status domain.PlaybackStatus, position int64) error {
			return nil
		},
		ExhaustedFunc: func(ctx context.Context, action domain.Action) (bool, error) {
			return false, nil
		},
		CloseFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

func (m *MockDecryptSession) ContentID() string                  { return m.ContentIDValue }
func (m *MockDecryptSession) MimeType() string                   { return m.MimeTypeValue }
func (m *MockDecryptSession) Algorithm() domain.DecryptAlgorithm { return m.AlgorithmValue }

func (m *MockDecryptSession) RightsStatus(ctx context.Context, action domain.Action) (domain.RightsStatus, error) {
	m.record("RightsStatus")
	return m.RightsStatusFunc(ctx, action)
}

func (m *MockDecryptSession) Consume(ctx context.Context, action domain.Action, reserve bool) error {
	m.record("Consume")
	return m.ConsumeFunc(ctx, action, reserve)
}

func (m *MockDecryptSession) InitUnit(ctx context.Context, unitID int, header []byte) (*domain.UnitState, error) {
	m.record("InitUnit")
	return m.InitUnitFunc(ctx, unitID, header)
}

func (m *MockDecryptSession) DecryptUnit(ctx context.Context, unitID int, state *domain.UnitState, enc, iv []byte) ([]byte, error) {
	m.record("DecryptUnit")
	return m.DecryptUnitFunc(ctx, unitID, state, enc, iv)
}

func (m *MockDecryptSession) FinalizeUnit(ctx context.Context, unitID int) error {
	m.record("FinalizeUnit")
	return m.FinalizeUnitFunc(ctx, unitID)
}

func (m *MockDecryptSession) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	m.record("ReadAt")
	return m.ReadAtFunc(ctx, p, off)
}

func (m *MockDecryptSession) SetPlaybackStatus(ctx context.Context, status domain.PlaybackStatus, position int64) error {
	m.record("SetPlaybackStatus")
	return m.SetPlaybackStatusFunc(ctx, status, position)
}

func (m *MockDecryptSession) Exhausted(ctx context.Context, action domain.Action) (bool, error) {
	m.record("Exhausted")
	return m.ExhaustedFunc(ctx, action)
}

func (m *MockDecryptSession) Close(ctx context.Context) error {
	m.record("Close")
	return m.CloseFunc(ctx)
}

// MockConvertSession is a ports.ConvertSession that echoes its input.
type MockConvertSession struct {
	calls

	ConvertFunc func(ctx context.Context, chunk []byte) (*domain.ConvertedStatus, error)
	CloseFunc   func(ctx context.Context) (*domain.ConvertedStatus, error)
	AbortFunc   func(ctx context.Context) error
}

func NewMockConvertSession() *MockConvertSession {
	var offset int64
	return &MockConvertSession{
		ConvertFunc: func(ctx context.Context, chunk []byte) (*domain.ConvertedStatus, error) {
			st := &domain.ConvertedStatus{Status: domain.StatusOK, Data: append([]byte(nil), chunk...), Offset: offset}
			offset += int64(len(chunk))
			return st, nil
		},
		CloseFunc: func(ctx context.Context) (*domain.ConvertedStatus, error) {
			return &domain.ConvertedStatus{Status: domain.StatusOK, Offset: offset}, nil
		},
		AbortFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

func (m *MockConvertSession) Convert(ctx context.Context, chunk []byte) (*domain.ConvertedStatus, error) {
	m.record("Convert")
	return m.ConvertFunc(ctx, chunk)
}

func (m *MockConvertSession) Close(ctx context.Context) (*domain.ConvertedStatus, error) {
	m.record("Close")
	return m.CloseFunc(ctx)
}

func (m *MockConvertSession) Abort(ctx context.Context) error {
	m.record("Abort")
	return m.AbortFunc(ctx)
}
