package grants

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oidc-engine/security"
)

// containerVersion marks payloads written in the envelope format
const containerVersion = 1

// envelope wraps a serialized item. Payloads written before the envelope existed are
// bare JSON objects without the version field and are still readable.
type envelope struct {
	Version   int             `json:"persistent_grant_data_container_version"`
	Protected bool            `json:"data_protected"`
	Payload   json.RawMessage `json:"payload"`
}

// Serializer converts grant items to and from the Data field of a persisted grant.
// When an enabled Encryptor is configured the payload is protected with
// security.PurposePersistedGrant.
type Serializer struct {
	encryptor *security.Encryptor
}

// NewSerializer creates a serializer. encryptor may be nil to store plain JSON.
func NewSerializer(encryptor *security.Encryptor) *Serializer {
	return &Serializer{encryptor: encryptor}
}

func (s *Serializer) protects() bool {
	return s != nil && s.encryptor != nil && s.encryptor.IsEnabled()
}

// Serialize encodes value into the envelope format.
func (s *Serializer) Serialize(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant data: %w", err)
	}

	env := envelope{Version: containerVersion, Payload: data}
	if s.protects() {
		sealed, err := s.encryptor.Protect(security.PurposePersistedGrant, data)
		if err != nil {
			return "", fmt.Errorf("failed to protect grant data: %w", err)
		}
		quoted, err := json.Marshal(sealed)
		if err != nil {
			return "", fmt.Errorf("failed to marshal protected grant data: %w", err)
		}
		env.Protected = true
		env.Payload = quoted
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal grant envelope: %w", err)
	}
	return string(out), nil
}

// Deserialize decodes data produced by Serialize, or a legacy bare JSON payload, into out.
func (s *Serializer) Deserialize(data string, out any) error {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("failed to unmarshal grant envelope: %w", err)
	}

	if env.Version == 0 {
		if err := json.Unmarshal([]byte(data), out); err != nil {
			return fmt.Errorf("failed to unmarshal legacy grant data: %w", err)
		}
		return nil
	}

	payload := []byte(env.Payload)
	if env.Protected {
		if s == nil || s.encryptor == nil {
			return fmt.Errorf("grant data is protected but no encryptor is configured")
		}
		var sealed string
		if err := json.Unmarshal(env.Payload, &sealed); err != nil {
			return fmt.Errorf("failed to unmarshal protected grant data: %w", err)
		}
		plain, err := s.encryptor.Unprotect(security.PurposePersistedGrant, sealed)
		if err != nil {
			return fmt.Errorf("failed to unprotect grant data: %w", err)
		}
		payload = plain
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to unmarshal grant data: %w", err)
	}
	return nil
}
