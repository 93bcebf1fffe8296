package metashare

import (
	"bytes"
	"encoding/json"

	"github.com/golang/glog"
)

// inbound frame envelope. subscription acks carry `ok` or `error` and no `type`.
type pushFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Ok      *string         `json:"ok"`
	Error   *string         `json:"error"`
}

type pushPayload struct {
	Model             json.RawMessage `json:"model"`
	OriginatingUserId *string         `json:"originating_user_id"`
	Message           string          `json:"message"`
}

// DecodeMessage maps one raw inbound frame to at most one event.
// Acks, malformed frames, unknown types, and model frames without a model decode to nil.
func DecodeMessage(message []byte) Event {
	var frame pushFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		glog.V(1).Infof("[decode]drop malformed frame = %s\n", err)
		return nil
	}
	if frame.Type == "" {
		if frame.Error != nil {
			glog.V(1).Infof("[decode]subscription error = %s\n", *frame.Error)
		} else if frame.Ok != nil {
			glog.V(2).Infof("[decode]subscription ok = %s\n", *frame.Ok)
		}
		return nil
	}

	eventType := PushEventType(frame.Type)
	if eventType == PushReposRefreshed {
		return &ReposRefreshedEvent{}
	}

	var decodeModel func(payload *pushPayload, origin PushOrigin) (Event, error)
	switch eventType {
	case PushRepositoryUpdated, PushRepositoryUpdateError:
		decodeModel = func(payload *pushPayload, origin PushOrigin) (Event, error) {
			model := &Repository{}
			if err := json.Unmarshal(payload.Model, model); err != nil {
				return nil, err
			}
			return &RepositoryPushEvent{PushOrigin: origin, Model: model}, nil
		}
	case PushProjectUpdated, PushProjectPrCreated, PushProjectPrCreateFailed:
		decodeModel = func(payload *pushPayload, origin PushOrigin) (Event, error) {
			model := &Project{}
			if err := json.Unmarshal(payload.Model, model); err != nil {
				return nil, err
			}
			return &ProjectPushEvent{PushOrigin: origin, Model: model}, nil
		}
	case PushTaskUpdated,
		PushTaskPrCreated,
		PushTaskPrCreateFailed,
		PushTaskReviewSubmitted,
		PushTaskReviewSubmitFailed:
		decodeModel = func(payload *pushPayload, origin PushOrigin) (Event, error) {
			model := &Task{}
			if err := json.Unmarshal(payload.Model, model); err != nil {
				return nil, err
			}
			return &TaskPushEvent{PushOrigin: origin, Model: model}, nil
		}
	case PushOrgProvisioned,
		PushOrgProvisionFailed,
		PushOrgUpdated,
		PushOrgUpdateFailed,
		PushOrgDeleted,
		PushOrgRemoved,
		PushOrgDeleteFailed,
		PushOrgRefreshed,
		PushOrgRefreshFailed,
		PushOrgCommitted,
		PushOrgCommitFailed,
		PushOrgReassigned,
		PushOrgReassignFailed:
		decodeModel = func(payload *pushPayload, origin PushOrigin) (Event, error) {
			model := &Org{}
			if err := json.Unmarshal(payload.Model, model); err != nil {
				return nil, err
			}
			return &OrgPushEvent{PushOrigin: origin, Model: model}, nil
		}
	default:
		glog.V(1).Infof("[decode]drop unknown type %s\n", frame.Type)
		return nil
	}

	var payload pushPayload
	if len(frame.Payload) == 0 {
		glog.V(1).Infof("[decode]drop %s without payload\n", frame.Type)
		return nil
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		glog.V(1).Infof("[decode]drop %s with malformed payload = %s\n", frame.Type, err)
		return nil
	}
	if !hasModel(payload.Model) {
		glog.V(1).Infof("[decode]drop %s without model\n", frame.Type)
		return nil
	}

	origin := PushOrigin{
		Type:    eventType,
		Message: payload.Message,
	}
	if payload.OriginatingUserId != nil {
		origin.OriginatingUserId = *payload.OriginatingUserId
	}

	event, err := decodeModel(&payload, origin)
	if err != nil {
		glog.V(1).Infof("[decode]drop %s with malformed model = %s\n", frame.Type, err)
		return nil
	}
	return event
}

func hasModel(model json.RawMessage) bool {
	trimmed := bytes.TrimSpace(model)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "false", "0", `""`:
		return false
	default:
		return true
	}
}
