// Package kv implements the demo state machines replicated by the BFT
// engines: a key-value store driven by JSON commands, and Echo.
package kv

// CommandType identifies a KV operation carried in a client request.
type CommandType string

// Supported KV commands.
const (
	PutCmd    CommandType = "put"
	GetCmd    CommandType = "get"
	DeleteCmd CommandType = "delete"
)

// Command is the serialized operation executed by the KV store.
type Command struct {
	Type  CommandType `json:"type"`
	Key   string      `json:"key"`
	Value string      `json:"value,omitempty"`
}

// Result is the serialized reply to a Command.
type Result struct {
	OK    bool   `json:"ok"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found,omitempty"`
	Error string `json:"error,omitempty"`
}
