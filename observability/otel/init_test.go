package otel

import (
	"context"
	"reflect"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =x,tenant=ops")
	want := map[string]string{"api-key": "secret", "tenant": "ops"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("headers = %v, want %v", got, want)
	}
}

func TestInitValidatesConfig(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "rebased", SampleRatio: 2}); err == nil {
		t.Fatalf("expected error for sample ratio")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "rebased"})
	if err != nil {
		t.Fatalf("init without exporters: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
