package kv

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Store is an in-memory key-value state machine.
type Store struct {
	mu     sync.RWMutex
	data   map[string]string
	tracer oteltrace.Tracer

	lastOp uint64
}

// NewStore creates an empty KV store.
func NewStore(tracer oteltrace.Tracer) *Store {
	return &Store{
		data:   make(map[string]string),
		tracer: tracer,
	}
}

// Get returns the current value for key, if present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[key]
	return val, ok
}

// LastOp returns the op number of the last executed command.
func (s *Store) LastOp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOp
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Execute decodes and applies a serialized KV command and returns the encoded
// Result. Undecodable commands produce an error Result; they still consume
// the op number so every replica stays in step.
func (s *Store) Execute(opNumber uint64, raw []byte) []byte {
	_, span := s.tracer.Start(
		context.Background(),
		"kv.store.Execute",
		oteltrace.WithAttributes(
			attribute.Int64("kv.op_number", int64(opNumber)),
			attribute.Int("kv.command.bytes", len(raw)),
		),
	)
	defer span.End()

	s.mu.Lock()
	s.lastOp = opNumber
	s.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return encodeResult(Result{Error: "malformed command"})
	}
	span.SetAttributes(
		attribute.String("kv.command.type", string(cmd.Type)),
		attribute.String("kv.key", cmd.Key),
		attribute.Int("kv.value.bytes", len(cmd.Value)),
	)

	switch cmd.Type {
	case PutCmd:
		s.applyPut(cmd.Key, cmd.Value)
		return encodeResult(Result{OK: true})
	case GetCmd:
		val, ok := s.Get(cmd.Key)
		return encodeResult(Result{OK: true, Value: val, Found: ok})
	case DeleteCmd:
		return encodeResult(Result{OK: true, Found: s.applyDelete(cmd.Key)})
	default:
		span.SetStatus(otelcodes.Error, "unknown command")
		return encodeResult(Result{Error: "unknown command " + string(cmd.Type)})
	}
}

func (s *Store) applyPut(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
}

func (s *Store) applyDelete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.data[key]
	delete(s.data, key)
	return ok
}

func encodeResult(r Result) []byte {
	// Result has only string and bool fields; Marshal cannot fail.
	raw, _ := json.Marshal(r)
	return raw
}

// Echo replies to every op with "reply: " followed by the op.
type Echo struct{}

// Execute implements consensus.Application.
func (Echo) Execute(_ uint64, op []byte) []byte {
	out := make([]byte, 0, len("reply: ")+len(op))
	out = append(out, "reply: "...)
	return append(out, op...)
}
