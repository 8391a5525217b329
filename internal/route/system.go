package route

import (
	"errors"

	"github.com/playhouselab/playhouse/internal/payload"
)

// Create-stage envelopes. The routed header has no stage-type field, so the
// create request smuggles it as a payload prefix:
//
//	request:  [TypeLen uint8][StageType][AppPayload]
//	reply:    [IsCreated uint8][AppReply]
//
// IsCreated distinguishes "created now" (1) from "already existed" (0).

var ErrBadEnvelope = errors.New("route: malformed system envelope")

// PackCreateStage builds the create-stage request payload.
func PackCreateStage(stageType string, body []byte) (*payload.Payload, error) {
	if len(stageType) == 0 || len(stageType) > 255 {
		return nil, ErrBadEnvelope
	}
	buf := payload.Rent(1 + len(stageType) + len(body))
	buf[0] = byte(len(stageType))
	off := 1 + copy(buf[1:], stageType)
	copy(buf[off:], body)
	return payload.FromPool(buf), nil
}

// UnpackCreateStage splits a create-stage request payload.
// The returned slices alias b.
func UnpackCreateStage(b []byte) (stageType string, body []byte, err error) {
	if len(b) < 1 {
		return "", nil, ErrBadEnvelope
	}
	n := int(b[0])
	if n == 0 || len(b) < 1+n {
		return "", nil, ErrBadEnvelope
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// PackCreateStageReply builds the create-stage reply payload.
func PackCreateStageReply(isCreated bool, body []byte) *payload.Payload {
	buf := payload.Rent(1 + len(body))
	if isCreated {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
	copy(buf[1:], body)
	return payload.FromPool(buf)
}

// UnpackCreateStageReply splits a create-stage reply payload.
func UnpackCreateStageReply(b []byte) (isCreated bool, body []byte, err error) {
	if len(b) < 1 {
		return false, nil, ErrBadEnvelope
	}
	return b[0] == 1, b[1:], nil
}
