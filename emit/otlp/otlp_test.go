package otlp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/protobuf/proto"

	tracetap "github.com/frobware/go-tracetap"
)

// testExporter builds a client without connecting; grpc.NewClient is
// lazy, so no collector is needed.
func testExporter(t *testing.T) *Exporter {
	t.Helper()
	e, err := New(Config{
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
		Epoch:    time.Unix(1000, 0),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return e
}

func findAttr(t *testing.T, attrs []*commonpb.KeyValue, key string) *commonpb.AnyValue {
	t.Helper()
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value
		}
	}
	t.Fatalf("attribute %q not found", key)
	return nil
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestConvert_TraceLog(t *testing.T) {
	e := testExporter(t)

	ev := tracetap.Event{
		Kind:      tracetap.EventTraceLog,
		HookID:    "hook-f",
		Timestamp: 1500,
		ThreadID:  7,
		Depth:     2,
		Caller:    0xcafe,
		Backtrace: []uint64{0xcafe, 0xbeef},
		Payload:   []any{"malloc", int64(4096)},
	}
	rec := e.convert(&ev)

	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_INFO, rec.SeverityNumber)
	assert.Equal(t, "INFO", rec.SeverityText)
	assert.Equal(t, uint64(time.Unix(1000, 0).Add(1500*time.Millisecond).UnixNano()), rec.TimeUnixNano,
		"relative timestamps anchor to the epoch")

	body := rec.Body.GetArrayValue()
	require.NotNil(t, body, "multi-value payloads become arrays")
	require.Len(t, body.Values, 2)
	assert.Equal(t, "malloc", body.Values[0].GetStringValue())
	assert.Equal(t, int64(4096), body.Values[1].GetIntValue())

	assert.Equal(t, "hook-f", findAttr(t, rec.Attributes, "hook.id").GetStringValue())
	assert.Equal(t, int64(7), findAttr(t, rec.Attributes, "thread.id").GetIntValue())
	assert.Equal(t, int64(2), findAttr(t, rec.Attributes, "depth").GetIntValue())
	assert.Equal(t, "0xcafe", findAttr(t, rec.Attributes, "caller").GetStringValue())

	bt := findAttr(t, rec.Attributes, "backtrace").GetArrayValue()
	require.NotNil(t, bt)
	assert.Len(t, bt.Values, 2)
	assert.Equal(t, "0xcafe", bt.Values[0].GetStringValue())
}

func TestConvert_TraceError(t *testing.T) {
	e := testExporter(t)

	ev := tracetap.Event{
		Kind:    tracetap.EventTraceError,
		HookID:  "h1",
		Message: `module "libmissing.so" is not mapped in the target process`,
	}
	rec := e.convert(&ev)

	assert.Equal(t, logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, rec.SeverityNumber)
	assert.Equal(t, "ERROR", rec.SeverityText)
	assert.Contains(t, rec.Body.GetStringValue(), "libmissing.so")
	assert.Equal(t, "h1", findAttr(t, rec.Attributes, "hook.id").GetStringValue())
}

func TestPayloadValue_SingleValueKeepsShape(t *testing.T) {
	v := payloadValue([]any{int64(42)})
	assert.Equal(t, int64(42), v.GetIntValue())

	arr := payloadValue([]any{"a", "b"})
	require.NotNil(t, arr.GetArrayValue())
	assert.Len(t, arr.GetArrayValue().Values, 2)
}

func TestToAnyValue_NestedTables(t *testing.T) {
	v := toAnyValue(map[string]any{
		"sizes": []any{int64(1), int64(2)},
		"ok":    true,
	})
	kvl := v.GetKvlistValue()
	require.NotNil(t, kvl)
	require.Len(t, kvl.Values, 2)

	byKey := map[string]*commonpb.AnyValue{}
	for _, kv := range kvl.Values {
		byKey[kv.Key] = kv.Value
	}
	assert.True(t, byKey["ok"].GetBoolValue())
	require.NotNil(t, byKey["sizes"].GetArrayValue())
	assert.Equal(t, int64(1), byKey["sizes"].GetArrayValue().Values[0].GetIntValue())
}

func TestConvert_MarshalsWithMangledPayload(t *testing.T) {
	e := testExporter(t)

	// Handlers can log raw memory; whatever bytes they hand over,
	// the converted record must still marshal.
	ev := tracetap.Event{
		Kind:    tracetap.EventTraceLog,
		HookID:  "h",
		Payload: []any{string([]byte{0x66, 0xff, 0xfe, 0x6f})},
	}
	_, err := proto.Marshal(e.convert(&ev))
	require.NoError(t, err)
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "plain", sanitizeUTF8("plain"))
	mangled := sanitizeUTF8(string([]byte{0x66, 0xff, 0xfe, 0x6f}))
	assert.True(t, len(mangled) > 0)
	assert.NotContains(t, mangled, "\xff")
}

func TestSink_DrainsAndReturnsOnClose(t *testing.T) {
	e := testExporter(t)
	sink := NewSink(e, SinkOptions{BatchSize: 2, FlushInterval: 50 * time.Millisecond})

	ch := make(chan tracetap.Event, 8)
	ch <- tracetap.Event{Kind: tracetap.EventTraceLog, HookID: "a"}
	ch <- tracetap.Event{Kind: tracetap.EventTraceLog, HookID: "b"}
	ch <- tracetap.Event{Kind: tracetap.EventTraceError, HookID: "c", Message: "x"}
	close(ch)

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background(), ch) }()

	select {
	case err := <-done:
		// Exports fail against the unreachable endpoint; the sink
		// drops batches and still drains to completion.
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("sink did not finish draining a closed channel")
	}
}
