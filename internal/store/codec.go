package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// nextState stamps the version and timestamps of a state about to be written.
func nextState(state models.ConversationState, now time.Time) models.ConversationState {
	next := state.Clone()
	next.Version = state.Version + 1
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	return next
}

func encodeState(state models.ConversationState) ([]byte, error) {
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to save invalid state: %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation state: %w", err)
	}
	return data, nil
}

// decodeState turns a stored payload into a validated state. The stored
// version column is authoritative over the payload's copy.
func decodeState(sessionID string, version int64, data []byte) (models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.ConversationState{}, decodeError(sessionID, version, err)
	}
	if state.SessionID != sessionID {
		return models.ConversationState{}, decodeError(sessionID, version,
			fmt.Errorf("payload belongs to session %q", state.SessionID))
	}
	if err := state.Validate(); err != nil {
		return models.ConversationState{}, decodeError(sessionID, version, err)
	}
	if state.StructuredInfo == nil {
		state.StructuredInfo = map[string]string{}
	}
	state.Version = version
	return state, nil
}
