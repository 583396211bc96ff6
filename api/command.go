// Package api exposes an agency member over HTTP and provides a client for it.
package api

import (
	"encoding/json"

	"github.com/goyalg325/agency/raft"
)

// BasePath prefixes every agency endpoint
const BasePath = "/_api/agency/"

// ModeHeader carries the acknowledgement mode of a write
const ModeHeader = "X-Agency-Mode"

// Command is the single path segment after BasePath
type Command int

const (
	CommandWrite Command = iota + 1
	CommandRead
	CommandConfig
	CommandState
	CommandMembers
)

var commandNames = map[Command]string{
	CommandWrite:   "write",
	CommandRead:    "read",
	CommandConfig:  "config",
	CommandState:   "state",
	CommandMembers: "members",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, name := range commandNames {
		m[name] = c
	}
	return m
}()

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseCommand maps a path segment to its command
func ParseCommand(segment string) (Command, bool) {
	c, ok := commandsByName[segment]
	return c, ok
}

// WriteResponse is the body of an accepted write
type WriteResponse struct {
	Results []uint64 `json:"results,omitempty"`
}

// ReadResponse is the body of an accepted read
type ReadResponse struct {
	Results []json.RawMessage `json:"results"`
}

// ConfigResponse is the body of a config request
type ConfigResponse struct {
	Term          uint64             `json:"term"`
	LeaderID      string             `json:"leaderId"`
	Configuration raft.Configuration `json:"configuration"`
}

// StateEntry is one log entry in a state response
type StateEntry struct {
	Index  uint64          `json:"index"`
	Term   uint64          `json:"term"`
	Leader string          `json:"leader"`
	Query  json.RawMessage `json:"query"`
}

// MembersRequest is the body of a membership change
type MembersRequest struct {
	Members map[string]string `json:"members"`
}

type errorResponse struct {
	Error   bool   `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}
