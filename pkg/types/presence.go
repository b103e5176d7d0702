package types

// Participant is the ephemeral presence state of one connected client.
// It is intentionally not durable and not conflict-resolved beyond last
// writer wins per client: a participant exists only while its clock keeps
// advancing.
type Participant struct {
	ClientID    ClientID          `json:"clientId"`
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName"`
	Color       string            `json:"color"`
	FocusEdgeID *EdgeID           `json:"focusEdgeId,omitempty"`
	Selection   *SelectionRange   `json:"selection,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Clock       uint64            `json:"clock"`
	IsLocal     bool              `json:"-"`
}

// PresenceSnapshot is an immutable view of all known participants plus the
// inverted per-edge index used for "who is viewing this row" rendering.
// ByEdgeID contains remote participants only; Participants contains the
// local participant as well, flagged IsLocal.
type PresenceSnapshot struct {
	Participants []Participant
	ByClientID   map[ClientID]Participant
	ByEdgeID     map[EdgeID][]Participant
}

// Remote returns all participants except the local one.
func (s *PresenceSnapshot) Remote() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if !p.IsLocal {
			out = append(out, p)
		}
	}
	return out
}
