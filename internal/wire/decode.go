package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("malformed update envelope")
	ErrMalformedBody     = errors.New("malformed update body")
)

type bodyTag struct {
	T string `json:"t"`
}

// DecodeEnvelope parses the raw socket payload into an Envelope. A malformed
// envelope is a validation failure: dropped by the caller, never retried.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Seq < 0 || len(env.Body) == 0 {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}

// DecodeUpdate discriminates the envelope body by its t field. Unknown kinds
// decode to a KindUnknown update so the caller can log and skip them.
func DecodeUpdate(body json.RawMessage) (Update, error) {
	var tag bodyTag
	if err := json.Unmarshal(body, &tag); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if tag.T == "" {
		return Update{}, ErrMalformedBody
	}

	u := Update{Kind: tag.T, RawKind: tag.T}
	var dst any
	switch tag.T {
	case KindNewMessage:
		u.NewMessage = &NewMessage{}
		dst = u.NewMessage
	case KindNewSession:
		u.NewSession = &NewSession{}
		dst = u.NewSession
	case KindUpdateSession:
		u.UpdateSession = &UpdateSession{}
		dst = u.UpdateSession
	case KindDeleteSession:
		u.DeleteSession = &DeleteSession{}
		dst = u.DeleteSession
	case KindUpdateAccount:
		u.UpdateAccount = &UpdateAccount{}
		dst = u.UpdateAccount
	case KindUpdateMachine:
		u.UpdateMachine = &UpdateMachine{}
		dst = u.UpdateMachine
	case KindRelationshipUpdated:
		u.RelationshipUpdated = &RelationshipUpdated{}
		dst = u.RelationshipUpdated
	case KindNewArtifact:
		u.NewArtifact = &NewArtifact{}
		dst = u.NewArtifact
	case KindUpdateArtifact:
		u.UpdateArtifact = &UpdateArtifact{}
		dst = u.UpdateArtifact
	case KindDeleteArtifact:
		u.DeleteArtifact = &DeleteArtifact{}
		dst = u.DeleteArtifact
	case KindNewFeedPost:
		u.NewFeedPost = &NewFeedPost{}
		dst = u.NewFeedPost
	case KindKVBatchUpdate:
		u.KVBatchUpdate = &KVBatchUpdate{}
		dst = u.KVBatchUpdate
	default:
		u.Kind = KindUnknown
		return u, nil
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	if err := validateUpdate(&u); err != nil {
		return Update{}, err
	}
	return u, nil
}

func validateUpdate(u *Update) error {
	switch u.Kind {
	case KindNewMessage:
		if u.NewMessage.SID == "" || u.NewMessage.Message.ID == "" {
			return ErrMalformedBody
		}
	case KindNewSession:
		if u.NewSession.Session.ID == "" {
			return ErrMalformedBody
		}
	case KindUpdateSession:
		if u.UpdateSession.ID == "" {
			return ErrMalformedBody
		}
	case KindDeleteSession:
		if u.DeleteSession.ID == "" {
			return ErrMalformedBody
		}
	case KindUpdateMachine:
		if u.UpdateMachine.MachineID == "" {
			return ErrMalformedBody
		}
	case KindRelationshipUpdated:
		if u.RelationshipUpdated.UID == "" {
			return ErrMalformedBody
		}
	case KindNewArtifact:
		if u.NewArtifact.Artifact.ID == "" {
			return ErrMalformedBody
		}
	case KindUpdateArtifact:
		if u.UpdateArtifact.ID == "" {
			return ErrMalformedBody
		}
	case KindDeleteArtifact:
		if u.DeleteArtifact.ID == "" {
			return ErrMalformedBody
		}
	case KindNewFeedPost:
		if u.NewFeedPost.ID == "" {
			return ErrMalformedBody
		}
	}
	return nil
}

// DecodeEphemeral parses an ephemeral (non-sequenced) status signal.
func DecodeEphemeral(data []byte) (Ephemeral, error) {
	var e Ephemeral
	if err := json.Unmarshal(data, &e); err != nil {
		return Ephemeral{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if e.ID == "" || (e.Type != "activity" && e.Type != "machine-activity") {
		return Ephemeral{}, ErrMalformedEnvelope
	}
	return e, nil
}
