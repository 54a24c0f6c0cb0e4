package reducer

import (
	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/model"
)

// EffectKind discriminates the tagged-union Effect type. Effects are the
// reducer's only way to reach a capability port; the reducer never calls a
// port directly, it returns effects for the host to dispatch.
type EffectKind int

const (
	EffectHTTPRequest EffectKind = iota
	EffectPersistStore
	EffectLoadStore
	EffectRequestCameraPermission
	EffectRequestLocationPermission
	EffectCapturePhoto
	EffectRegisterPush
	EffectTelemetryEvent
)

// Effect is the flat tagged union of outbound capability work the reducer
// asks the host to perform. Exactly one EffectKind-tagged set of fields is
// meaningful per value.
type Effect struct {
	Kind EffectKind

	// HTTPRequest — the host executes this via capability.HTTPPort and
	// replies with an EventOutboxReplyReceived event correlated by OpID.
	OpID       model.OpId
	LeaseToken string
	Request    *capability.HttpRequest

	// TelemetryEvent
	EventName   string
	EventFields map[string]string

	// CapturePhoto
	CaptureConfig capability.CaptureConfig
}
