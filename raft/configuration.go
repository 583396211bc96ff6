package raft

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Configuration is a point-in-time view of a node's membership table and
// term/leader/commit bookkeeping. Values returned by Agent.Config are
// copies; mutating them has no effect on the agent.
type Configuration struct {
	SelfID      string            `json:"id"`
	Members     map[string]string `json:"endpoints"`
	Term        uint64            `json:"term"`
	LeaderID    string            `json:"leaderId"`
	CommitIndex uint64            `json:"commitIndex"`
	LastApplied uint64            `json:"lastApplied"`
}

// Endpoint returns the network endpoint of member id.
func (c Configuration) Endpoint(id string) (string, bool) {
	ep, ok := c.Members[id]
	return ep, ok
}

// LeaderEndpoint returns the endpoint of the known leader, if any.
func (c Configuration) LeaderEndpoint() (string, bool) {
	if c.LeaderID == "" {
		return "", false
	}
	return c.Endpoint(c.LeaderID)
}

// MemberIDs returns the member ids in sorted order.
func (c Configuration) MemberIDs() []string {
	return sortedIDs(c.Members)
}

// Quorum is the number of votes or acknowledgements forming a strict majority.
func (c Configuration) Quorum() int {
	return quorum(len(c.Members))
}

func quorum(n int) int {
	return n/2 + 1
}

func sortedIDs(members map[string]string) []string {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneMembers(members map[string]string) map[string]string {
	if members == nil {
		return nil
	}
	out := make(map[string]string, len(members))
	for id, ep := range members {
		out[id] = ep
	}
	return out
}

// membershipPayload is the payload of an EntryConfig entry.
type membershipPayload struct {
	Members map[string]string `json:"members"`
}

// EncodeMembership builds the payload of a membership change entry.
func EncodeMembership(members map[string]string) (json.RawMessage, error) {
	if err := validateMembers(members); err != nil {
		return nil, err
	}
	return json.Marshal(membershipPayload{Members: members})
}

// DecodeMembership parses the payload of a membership change entry.
func DecodeMembership(payload json.RawMessage) (map[string]string, error) {
	var p membershipPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: membership payload: %v", ErrInvalidConfig, err)
	}
	if err := validateMembers(p.Members); err != nil {
		return nil, err
	}
	return p.Members, nil
}

func validateMembers(members map[string]string) error {
	if len(members) == 0 {
		return fmt.Errorf("%w: membership is empty", ErrInvalidConfig)
	}
	for id, ep := range members {
		if id == "" || ep == "" {
			return fmt.Errorf("%w: member %q has endpoint %q", ErrInvalidConfig, id, ep)
		}
	}
	return nil
}
