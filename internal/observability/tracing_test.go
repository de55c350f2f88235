// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracing_None(t *testing.T) {
	t.Setenv("DATAFETCH_OTEL_EXPORTER", "")
	shutdown, err := InitTracing(context.Background(), Options{Service: "datafetch"})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Error("Expected a no-op span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Unexpected shutdown error: %v", err)
	}
}

func TestInitTracing_Stdout(t *testing.T) {
	t.Setenv("DATAFETCH_OTEL_SAMPLER", "")
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), Options{Service: "datafetch", Version: "test", Exporter: "stdout", Stdout: &buf})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "datafetch.fetch")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "datafetch.fetch") {
		t.Errorf("Expected span in output, got %q", buf.String())
	}
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), Options{Exporter: "zipkin"}); err == nil {
		t.Error("Expected error for unknown exporter")
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("a=1, b = 2 ,broken,=x,c=")
	if len(got) != 2 || got["a"] != "1" || got["b"] != "2" {
		t.Errorf("Unexpected headers %v", got)
	}
}
