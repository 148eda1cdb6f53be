// drmcore/internal/core/domain/types.go
package domain

import (
	"io"
	"time"
)

// UniqueID identifies one client binding to the core.
type UniqueID int32

// HandleID addresses an open decrypt session. The upper 32 bits carry the
// slot generation so stale ids are rejected after the slot is reused.
type HandleID uint64

// ConvertID addresses an open conversion session.
type ConvertID int64

type Action int

const (
	ActionDefault Action = iota
	ActionPlay
	ActionRingtone
	ActionTransfer
	ActionOutput
	ActionPreview
	ActionExecute
	ActionDisplay
)

func (a Action) String() string {
	switch a {
	case ActionDefault:
		return "default"
	case ActionPlay:
		return "play"
	case ActionRingtone:
		return "ringtone"
	case ActionTransfer:
		return "transfer"
	case ActionOutput:
		return "output"
	case ActionPreview:
		return "preview"
	case ActionExecute:
		return "execute"
	case ActionDisplay:
		return "display"
	}
	return "unknown"
}

type RightsStatus int

const (
	RightsValid RightsStatus = iota
	RightsInvalid
	RightsExpired
	RightsNotAcquired
)

func (s RightsStatus) String() string {
	switch s {
	case RightsValid:
		return "valid"
	case RightsInvalid:
		return "invalid"
	case RightsExpired:
		return "expired"
	case RightsNotAcquired:
		return "not_acquired"
	}
	return "unknown"
}

type PlaybackStatus int

const (
	PlaybackStart PlaybackStatus = iota + 1
	PlaybackStop
	PlaybackPause
	PlaybackResume
)

type ObjectType int

const (
	ObjectUnknown ObjectType = iota
	ObjectContent
	ObjectRightsObject
	ObjectTriggerObject
)

type DecryptAlgorithm int

const (
	AlgorithmUnknown DecryptAlgorithm = iota
	// AlgorithmAESGCMChunked is whole-file decryption of sealed chunks.
	AlgorithmAESGCMChunked
	// AlgorithmAESCTR is per-unit stream decryption.
	AlgorithmAESCTR
)

type StatusCode int

const (
	StatusOK StatusCode = iota + 1
	StatusError
	StatusInputDataError
)

type InfoType int

const (
	InfoTypeRegistration InfoType = iota + 1
	InfoTypeUnregistration
	InfoTypeRightsAcquisition
	InfoTypeRightsAcquisitionProgress
)

// Constraint keys returned by Constraints queries.
const (
	ConstraintMaxRepeatCount       = "max_repeat_count"
	ConstraintRemainingRepeatCount = "remaining_repeat_count"
	ConstraintLicenseStartTime     = "license_start_time"
	ConstraintLicenseExpiryTime    = "license_expiry_time"
	ConstraintLicenseAvailableTime = "license_available_time"
	ConstraintExtendedMetadata     = "extended_metadata"
)

// Constraints is a snapshot of constraint name to value for one (path, action)
// pair. Callers own their copy.
type Constraints map[string]string

// InfoRequest asks a backend for rights-acquisition data.
type InfoRequest struct {
	InfoType InfoType
	MimeType string
	Params   map[string]string
}

// Info carries backend-specific data exchanged with a license authority.
type Info struct {
	InfoType   InfoType
	MimeType   string
	Data       []byte
	Attributes map[string]string
}

type InfoStatus struct {
	Code       StatusCode
	InfoType   InfoType
	MimeType   string
	Data       []byte
	OutputPath string
}

// Rights is a license blob plus its account binding.
type Rights struct {
	Data           []byte
	MimeType       string
	AccountID      string
	SubscriptionID string
}

type ActionDescription struct {
	OutputType    int
	Configuration int
	// Count is the number of uses the caller intends to make.
	Count int
}

// ContentSource describes what a decrypt session is bound to: either a
// descriptor range or a URI.
type ContentSource struct {
	Reader io.ReaderAt
	Offset int64
	Length int64
	URI    string
}

// DecryptHandle is the caller's view of an open decrypt session.
type DecryptHandle struct {
	ID        HandleID
	MimeType  string
	Algorithm DecryptAlgorithm
	Status    RightsStatus
}

type UnitPhase int

const (
	UnitReady UnitPhase = iota + 1
	UnitDecrypting
)

// UnitState is the per-unit crypto bookkeeping of a decrypt handle.
type UnitState struct {
	IV      []byte
	Counter uint64
	Phase   UnitPhase
}

func (u *UnitState) Clone() *UnitState {
	c := *u
	c.IV = append([]byte(nil), u.IV...)
	return &c
}

type ConvertedStatus struct {
	Status StatusCode
	Data   []byte
	// Offset is the output position Data must be written at.
	Offset int64
}

type SupportInfo struct {
	Description  string
	MimeTypes    []string
	FileSuffixes []string
}

type EventType int

const (
	EventRightsInstalled EventType = iota + 1
	EventRightsRemoved
	EventRightsExpired
	EventLicenseRefreshRequired
)

// Event is a backend-originated notification for one client.
type Event struct {
	Type      EventType
	UniqueID  UniqueID
	Path      string
	Message   string
	CreatedAt time.Time
}

// DeviceInfo represents hardware-specific information for rights binding
type DeviceInfo struct {
	DeviceID     string            // Unique device identifier
	HardwareHash string            // Hardware-specific hash
	Platform     string            // OS/Platform info
	Fingerprint  map[string]string // Additional device fingerprinting data
}
