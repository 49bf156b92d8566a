package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func call(t *testing.T, h Handler, args map[string]any) map[string]any {
	t.Helper()
	var got any
	calls := 0
	err := h(context.Background(), &FunctionCallParams{
		Arguments: args,
		ResultCallback: func(ctx context.Context, result any) error {
			calls++
			got = result
			return nil
		},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", got)
	}
	return m
}

func TestShowPicture(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want map[string]any
	}{
		{"url", map[string]any{"url": "http://x"}, map[string]any{"status": "displayed", "url": "http://x"}},
		{"empty args", map[string]any{}, map[string]any{"status": "displayed", "url": ""}},
		{"nil args", nil, map[string]any{"status": "displayed", "url": ""}},
		{"non-string url", map[string]any{"url": 42}, map[string]any{"status": "displayed", "url": ""}},
	}
	h := ShowPicture(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := call(t, h, tt.args); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShowText(t *testing.T) {
	var buf bytes.Buffer
	h := ShowText(slog.New(slog.NewTextHandler(&buf, nil)))

	got := call(t, h, map[string]any{"text": "hello"})
	want := map[string]any{"status": "displayed", "text": "hello"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.Contains(buf.String(), "show_text") {
		t.Errorf("expected log entry, got %q", buf.String())
	}

	got = call(t, h, map[string]any{})
	if got["text"] != "" {
		t.Errorf("missing text should default to empty, got %v", got["text"])
	}
}

func TestSandboxTools(t *testing.T) {
	ts := SandboxTools()
	if got := ts.Names(); !reflect.DeepEqual(got, []string{"show_picture", "show_text"}) {
		t.Fatalf("Names = %v", got)
	}

	pic, ok := ts.Lookup("show_picture")
	if !ok {
		t.Fatal("show_picture missing")
	}
	params := pic.Parameters()
	if params["type"] != "object" {
		t.Errorf("type = %v", params["type"])
	}
	if !reflect.DeepEqual(params["required"], []string{"url"}) {
		t.Errorf("required = %v", params["required"])
	}

	txt, _ := ts.Lookup("show_text")
	if !reflect.DeepEqual(txt.Required, []string{"text"}) {
		t.Errorf("show_text required = %v", txt.Required)
	}

	if _, ok := ts.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
}

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	RegisterSandbox(r, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	if got := r.Names(); !reflect.DeepEqual(got, []string{"show_picture", "show_text"}) {
		t.Errorf("Names = %v", got)
	}

	var result any
	err := r.Invoke(context.Background(), &FunctionCallParams{
		FunctionName: "show_text",
		Arguments:    map[string]any{"text": "hi"},
		ResultCallback: func(ctx context.Context, res any) error {
			result = res
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.(map[string]any)["text"] != "hi" {
		t.Errorf("result = %v", result)
	}

	err = r.Invoke(context.Background(), &FunctionCallParams{FunctionName: "nope"})
	if !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("err = %v, want ErrUnknownFunction", err)
	}
}
