// Package service contains client-side application services layered on the
// BFT client role.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/bft-lab/internal/kv"
)

var (
	// ErrCommandFailed is returned when the replicated store rejected a
	// command. The store's message is wrapped.
	ErrCommandFailed = errors.New("service: command failed")
	// ErrMalformedResult is returned when the agreed result cannot be
	// decoded as a kv.Result.
	ErrMalformedResult = errors.New("service: malformed result")
	// ErrInvokeTimeout is returned when no result was agreed before the
	// request deadline.
	ErrInvokeTimeout = errors.New("service: command not answered before deadline")
)

// Invoker submits one operation to the replicated service and returns the
// result agreed by f+1 replicas. *client.Client satisfies this interface.
type Invoker interface {
	Invoke(ctx context.Context, op []byte) ([]byte, error)
}

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// Metrics captures service-level metric sinks used by KV.
type Metrics interface {
	ObserveKVInvokeDuration(clientID, result string, d time.Duration)
	IncKVInvoke(clientID, command, result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveKVInvokeDuration(string, string, time.Duration) {}
func (noopMetrics) IncKVInvoke(string, string, string)                    {}

// KV issues key-value commands through the BFT client. Reads are ordered
// like writes, so every result reflects a committed prefix.
type KV struct {
	invoker  Invoker
	logger   Logger
	tracer   oteltrace.Tracer
	metrics  Metrics
	clientID string
}

// NewKV creates a KV service backed by invoker.
func NewKV(invoker Invoker, logger Logger, tracer oteltrace.Tracer, metrics Metrics, clientID string) *KV {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &KV{
		invoker:  invoker,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		clientID: clientID,
	}
}

func (s *KV) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func kvSpanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// Get reads key through the replicated log.
func (s *KV) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Get", attribute.String("kv.key", key))
	defer span.End()

	res, err := s.execute(ctx, kv.Command{Type: kv.GetCmd, Key: key})
	if err != nil {
		kvSpanRecordError(span, err)
		return "", false, err
	}
	span.SetAttributes(attribute.Bool("kv.found", res.Found))
	return res.Value, res.Found, nil
}

// Put replicates a write of value under key.
func (s *KV) Put(ctx context.Context, key, value string) error {
	ctx, span := s.startSpan(
		ctx,
		"kv.service.Put",
		attribute.String("kv.key", key),
		attribute.Int("kv.value.bytes", len(value)),
	)
	defer span.End()

	s.logger.Debug("invoking put", "key", key)
	if _, err := s.execute(ctx, kv.Command{Type: kv.PutCmd, Key: key, Value: value}); err != nil {
		kvSpanRecordError(span, err)
		return err
	}
	return nil
}

// Delete replicates removal of key and reports whether it existed.
func (s *KV) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := s.startSpan(ctx, "kv.service.Delete", attribute.String("kv.key", key))
	defer span.End()

	s.logger.Debug("invoking delete", "key", key)
	res, err := s.execute(ctx, kv.Command{Type: kv.DeleteCmd, Key: key})
	if err != nil {
		kvSpanRecordError(span, err)
		return false, err
	}
	return res.Found, nil
}

func (s *KV) execute(ctx context.Context, cmd kv.Command) (kv.Result, error) {
	ctx, span := s.startSpan(
		ctx,
		"kv.service.execute",
		attribute.String("kv.command.type", string(cmd.Type)),
		attribute.String("kv.key", cmd.Key),
	)
	defer span.End()
	start := time.Now()

	res, result, err := s.invoke(ctx, cmd)
	s.metrics.IncKVInvoke(s.clientID, string(cmd.Type), result)
	s.metrics.ObserveKVInvokeDuration(s.clientID, result, time.Since(start))
	if err != nil {
		kvSpanRecordError(span, err)
		return kv.Result{}, err
	}
	s.logger.Debug("command answered",
		"type", cmd.Type,
		"key", cmd.Key,
		"latency", time.Since(start),
	)
	return res, nil
}

func (s *KV) invoke(ctx context.Context, cmd kv.Command) (kv.Result, string, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return kv.Result{}, "encode_error", err
	}
	out, err := s.invoker.Invoke(ctx, raw)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return kv.Result{}, "timeout", fmt.Errorf("%w: %w", ErrInvokeTimeout, err)
		}
		return kv.Result{}, "invoke_error", err
	}
	var res kv.Result
	if err := json.Unmarshal(out, &res); err != nil {
		return kv.Result{}, "malformed", fmt.Errorf("%w: %w", ErrMalformedResult, err)
	}
	if !res.OK {
		return kv.Result{}, "rejected", fmt.Errorf("%w: %s", ErrCommandFailed, res.Error)
	}
	return res, "ok", nil
}
