package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	inst, err := New(Config{
		Enabled:      true,
		SpanExporter: exporter,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, exporter
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRecordError(t *testing.T) {
	inst, exporter := newRecordingInstrumentation(t)

	_, span := inst.Tracer("validation").Start(context.Background(), "test-span")
	RecordError(span, errors.New("test error"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected an exception event")
	}
}

func TestSetSpanSuccess(t *testing.T) {
	inst, exporter := newRecordingInstrumentation(t)

	_, span := inst.Tracer("validation").Start(context.Background(), "test-span")
	SetSpanSuccess(span)
	span.End()

	if got := exporter.GetSpans()[0].Status.Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestSetSpanError(t *testing.T) {
	inst, exporter := newRecordingInstrumentation(t)

	_, span := inst.Tracer("validation").Start(context.Background(), "test-span")
	SetSpanError(span, "boom")
	span.End()

	status := exporter.GetSpans()[0].Status
	if status.Code != codes.Error || status.Description != "boom" {
		t.Errorf("status = %+v, want Error/boom", status)
	}
}

func TestAddProtocolAttributes(t *testing.T) {
	tests := []struct {
		name      string
		clientID  string
		subjectID string
		scope     string
		wantKeys  []string
		skipKeys  []string
	}{
		{
			name:      "all set",
			clientID:  "client",
			subjectID: "alice",
			scope:     "openid api1",
			wantKeys:  []string{AttrClientID, AttrSubjectID, AttrScope},
		},
		{
			name:     "client only",
			clientID: "client",
			wantKeys: []string{AttrClientID},
			skipKeys: []string{AttrSubjectID, AttrScope},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, exporter := newRecordingInstrumentation(t)
			_, span := inst.Tracer("validation").Start(context.Background(), "test-span")
			AddProtocolAttributes(span, tt.clientID, tt.subjectID, tt.scope)
			span.End()

			attrs := exporter.GetSpans()[0].Attributes
			for _, k := range tt.wantKeys {
				if _, ok := attrValue(attrs, k); !ok {
					t.Errorf("missing attribute %s", k)
				}
			}
			for _, k := range tt.skipKeys {
				if _, ok := attrValue(attrs, k); ok {
					t.Errorf("unexpected attribute %s", k)
				}
			}
		})
	}
}

func TestAddProtocolError(t *testing.T) {
	inst, exporter := newRecordingInstrumentation(t)

	_, span := inst.Tracer("validation").Start(context.Background(), "test-span")
	AddProtocolError(span, "invalid_request", "Invalid max_age.")
	span.End()

	got := exporter.GetSpans()[0]
	if v, _ := attrValue(got.Attributes, AttrError); v.AsString() != "invalid_request" {
		t.Errorf("%s = %q, want invalid_request", AttrError, v.AsString())
	}
	if v, _ := attrValue(got.Attributes, AttrErrorDescription); v.AsString() != "Invalid max_age." {
		t.Errorf("%s = %q", AttrErrorDescription, v.AsString())
	}
	if got.Status.Code == codes.Error {
		t.Error("protocol errors must not mark the span as failed")
	}
}

func TestAddStorageAndPKCEAttributes(t *testing.T) {
	inst, exporter := newRecordingInstrumentation(t)

	_, span := inst.Tracer("storage").Start(context.Background(), "test-span")
	AddStorageAttributes(span, "store_grant", "memory")
	AddPKCEAttributes(span, "S256")
	AddPKCEAttributes(span, "")
	AddHTTPAttributes(span, "POST", "/connect/token", 200)
	span.End()

	attrs := exporter.GetSpans()[0].Attributes
	if v, _ := attrValue(attrs, AttrStorageOperation); v.AsString() != "store_grant" {
		t.Errorf("%s = %q", AttrStorageOperation, v.AsString())
	}
	if v, _ := attrValue(attrs, AttrPKCEMethod); v.AsString() != "S256" {
		t.Errorf("%s = %q", AttrPKCEMethod, v.AsString())
	}
	if v, _ := attrValue(attrs, AttrHTTPStatusCode); v.AsInt64() != 200 {
		t.Errorf("%s = %d", AttrHTTPStatusCode, v.AsInt64())
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddProtocolAttributes(nil, "c", "s", "openid")
	AddProtocolError(nil, "invalid_request", "")
	AddPKCEAttributes(nil, "S256")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "10.0.0.1")
}

func TestShouldLogClientIPs(t *testing.T) {
	tests := []struct {
		name string
		log  bool
	}{
		{"enabled", true},
		{"disabled", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(Config{LogClientIPs: tt.log})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := inst.ShouldLogClientIPs(); got != tt.log {
				t.Errorf("ShouldLogClientIPs() = %v, want %v", got, tt.log)
			}
		})
	}
}
