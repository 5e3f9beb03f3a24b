// Package otlp exports trace events as OTLP log records over gRPC.
// It is a host-side sink: it consumes the engine's event channel and
// never runs inside a probe dispatch path, so a slow or unreachable
// collector cannot stall the instrumented process.
package otlp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
	"unicode/utf8"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	tracetap "github.com/frobware/go-tracetap"
)

// Config configures the exporter.
type Config struct {
	// Endpoint is the collector's host:port.
	Endpoint string

	// ServiceName labels the emitted resource. Defaults to
	// "tracetap".
	ServiceName string

	// Epoch anchors relative event timestamps to wall-clock time.
	// Pass the instant the engine was constructed; defaults to New's
	// call time.
	Epoch time.Time

	// Insecure uses plaintext transport.
	Insecure bool

	// Compression selects the gRPC compressor. Empty means gzip.
	Compression string
}

// Exporter converts trace events to OTLP log records and ships them
// with the LogsService. The underlying client reconnects on its own;
// Export nudges an idle or failed channel before sending.
type Exporter struct {
	log *slog.Logger
	cfg Config

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// New builds the gRPC client. No connection is made until the first
// export.
func New(cfg Config, logger *slog.Logger) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp: endpoint is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tracetap"
	}
	if cfg.Epoch.IsZero() {
		cfg.Epoch = time.Now()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	conn, err := grpc.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp: client for %s: %w", cfg.Endpoint, err)
	}

	return &Exporter{
		log:    logger,
		cfg:    cfg,
		conn:   conn,
		logSvc: collogspb.NewLogsServiceClient(conn),
	}, nil
}

// Export ships one batch. The batch is a single ResourceLogs: every
// event comes from the same target process.
func (e *Exporter) Export(ctx context.Context, events []tracetap.Event) error {
	if len(events) == 0 {
		return nil
	}
	e.ensureReady()

	records := make([]*logspb.LogRecord, 0, len(events))
	for i := range events {
		records = append(records, e.convert(&events[i]))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: e.resource(),
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "tracetap"},
				LogRecords: records,
			}},
		}},
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()
	if svc == nil {
		return fmt.Errorf("otlp: exporter is shut down")
	}

	if _, err := svc.Export(ctx, req); err != nil {
		return fmt.Errorf("otlp: exporting %d records: %w", len(records), err)
	}
	return nil
}

// ensureReady nudges a dormant channel. grpc.NewClient connects
// lazily and repairs transient failures itself once told to connect.
func (e *Exporter) ensureReady() {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return
	}

	switch conn.GetState() {
	case connectivity.Idle, connectivity.TransientFailure:
		conn.Connect()
	}
}

// Shutdown closes the client connection. Further exports fail.
func (e *Exporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	e.logSvc = nil
	return err
}

func (e *Exporter) convert(ev *tracetap.Event) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		TimeUnixNano:         uint64(e.cfg.Epoch.Add(time.Duration(ev.Timestamp) * time.Millisecond).UnixNano()),
		ObservedTimeUnixNano: uint64(time.Now().UnixNano()),
		Attributes: []*commonpb.KeyValue{
			strAttr("hook.id", ev.HookID),
		},
	}

	switch ev.Kind {
	case tracetap.EventTraceError:
		rec.SeverityNumber = logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
		rec.SeverityText = "ERROR"
		rec.Body = &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(ev.Message)},
		}

	default:
		rec.SeverityNumber = logspb.SeverityNumber_SEVERITY_NUMBER_INFO
		rec.SeverityText = "INFO"
		rec.Body = payloadValue(ev.Payload)
		rec.Attributes = append(rec.Attributes,
			intAttr("thread.id", int64(ev.ThreadID)),
			intAttr("depth", int64(ev.Depth)),
		)
		if ev.Caller != 0 {
			rec.Attributes = append(rec.Attributes,
				strAttr("caller", fmt.Sprintf("%#x", ev.Caller)))
		}
		if len(ev.Backtrace) > 0 {
			rec.Attributes = append(rec.Attributes, backtraceAttr(ev.Backtrace))
		}
	}
	return rec
}

func (e *Exporter) resource() *resourcepb.Resource {
	hostname, _ := os.Hostname()
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", e.cfg.ServiceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, os.Getpid())),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(os.Getpid())),
	}}
}

// payloadValue renders a handler's log payload. A single value keeps
// its shape; multiple values become an array, one element per log()
// argument.
func payloadValue(payload []any) *commonpb.AnyValue {
	if len(payload) == 1 {
		return toAnyValue(payload[0])
	}
	vals := make([]*commonpb.AnyValue, 0, len(payload))
	for _, p := range payload {
		vals = append(vals, toAnyValue(p))
	}
	return &commonpb.AnyValue{
		Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: vals}},
	}
}

func backtraceAttr(pcs []uint64) *commonpb.KeyValue {
	vals := make([]*commonpb.AnyValue, 0, len(pcs))
	for _, pc := range pcs {
		vals = append(vals, &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%#x", pc)},
		})
	}
	return &commonpb.KeyValue{
		Key: "backtrace",
		Value: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: vals}},
		},
	}
}

// toAnyValue maps a handler payload value, including nested tables,
// onto the OTLP value tree.
func toAnyValue(v any) *commonpb.AnyValue {
	switch val := v.(type) {
	case nil:
		return &commonpb.AnyValue{}
	case string:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(val)}}
	case bool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}
	case int64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}
	case float64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: val}}
	case []any:
		vals := make([]*commonpb.AnyValue, 0, len(val))
		for _, item := range val {
			vals = append(vals, toAnyValue(item))
		}
		return &commonpb.AnyValue{
			Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: vals}},
		}
	case map[string]any:
		kvs := make([]*commonpb.KeyValue, 0, len(val))
		for k, item := range val {
			kvs = append(kvs, &commonpb.KeyValue{Key: k, Value: toAnyValue(item)})
		}
		return &commonpb.AnyValue{
			Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{Values: kvs}},
		}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid sequences with the replacement rune.
// Handler payloads can carry raw target memory that is not valid
// UTF-8, and protobuf marshaling rejects such strings.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return string([]rune(s))
}
