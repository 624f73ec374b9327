package llm

import (
	"context"
	"errors"
	"testing"

	"coinagent/pkg/config"
)

type scriptedClient struct {
	errs      []error
	calls     int
	transient bool
}

func (s *scriptedClient) StreamChat(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamChunk, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	ch := make(chan StreamChunk, 1)
	ch <- NewFinalChunk(StopReasonStop, nil)
	close(ch)
	return ch, nil
}

func (s *scriptedClient) IsTransientError(err error) bool { return s.transient }

func TestFallbackClient(t *testing.T) {
	errBoom := errors.New("503 overloaded")

	t.Run("Retries transient errors on the same provider", func(t *testing.T) {
		first := &scriptedClient{errs: []error{errBoom}, transient: true}
		second := &scriptedClient{}
		f := &FallbackClient{Clients: []LLMClient{first, second}, MaxRetries: 2}

		if _, err := f.StreamChat(context.Background(), nil, nil); err != nil {
			t.Fatalf("expected success after retry, got %v", err)
		}
		if first.calls != 2 || second.calls != 0 {
			t.Errorf("expected 2 calls on first and 0 on second, got %d and %d", first.calls, second.calls)
		}
	})

	t.Run("Falls back on permanent errors", func(t *testing.T) {
		first := &scriptedClient{errs: []error{errBoom}}
		second := &scriptedClient{}
		f := &FallbackClient{Clients: []LLMClient{first, second}, MaxRetries: 3}

		if _, err := f.StreamChat(context.Background(), nil, nil); err != nil {
			t.Fatalf("expected fallback success, got %v", err)
		}
		if first.calls != 1 || second.calls != 1 {
			t.Errorf("expected one call each, got %d and %d", first.calls, second.calls)
		}
	})

	t.Run("Wraps the last error", func(t *testing.T) {
		f := &FallbackClient{Clients: []LLMClient{&scriptedClient{errs: []error{errBoom}}}}
		_, err := f.StreamChat(context.Background(), nil, nil)
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected wrapped errBoom, got %v", err)
		}
	})
}

type fakeFactory struct {
	gotKeys []string
}

func (f *fakeFactory) Create(cfg ProviderGroupConfig, sys *config.SystemConfig) ([]LLMClient, error) {
	f.gotKeys = cfg.APIKeys
	var out []LLMClient
	for range cfg.Models {
		out = append(out, &scriptedClient{})
	}
	return out, nil
}

type keyedFakeFactory struct {
	fakeFactory
}

func (f *keyedFakeFactory) DefaultAPIKeyEnv() string { return "COINAGENT_TEST_KEY" }

func TestNewFromConfig(t *testing.T) {
	keyed := &keyedFakeFactory{}
	plain := &fakeFactory{}
	RegisterProvider("test-keyed", keyed)
	RegisterProvider("test-plain", plain)

	t.Run("Key from default environment variable", func(t *testing.T) {
		t.Setenv("COINAGENT_TEST_KEY", "secret")
		client, err := NewFromConfig([]byte(`[{"type":"test-keyed","models":["m1"]}]`), nil)
		if err != nil {
			t.Fatalf("NewFromConfig returned error: %v", err)
		}
		if _, ok := client.(*scriptedClient); !ok {
			t.Errorf("a single client should not be wrapped, got %T", client)
		}
		if len(keyed.gotKeys) != 1 || keyed.gotKeys[0] != "secret" {
			t.Errorf("expected key from env, got %v", keyed.gotKeys)
		}
	})

	t.Run("Key from named environment variable", func(t *testing.T) {
		t.Setenv("MY_GEMINI", "other")
		_, err := NewFromConfig([]byte(`[{"type":"test-keyed","api_key_env":"MY_GEMINI","models":["m1"]}]`), nil)
		if err != nil {
			t.Fatalf("NewFromConfig returned error: %v", err)
		}
		if len(keyed.gotKeys) != 1 || keyed.gotKeys[0] != "other" {
			t.Errorf("expected key from MY_GEMINI, got %v", keyed.gotKeys)
		}
	})

	t.Run("Missing key is an error", func(t *testing.T) {
		t.Setenv("COINAGENT_TEST_KEY", "")
		_, err := NewFromConfig([]byte(`[{"type":"test-keyed","models":["m1"]}]`), nil)
		if !errors.Is(err, ErrMissingAPIKey) {
			t.Fatalf("expected ErrMissingAPIKey, got %v", err)
		}
	})

	t.Run("Keyless provider and fallback chain", func(t *testing.T) {
		client, err := NewFromConfig([]byte(`[{"type":"test-plain","models":["a","b"]},{"type":"unknown","models":["x"]}]`), config.DefaultSystemConfig())
		if err != nil {
			t.Fatalf("NewFromConfig returned error: %v", err)
		}
		fb, ok := client.(*FallbackClient)
		if !ok {
			t.Fatalf("expected *FallbackClient, got %T", client)
		}
		if len(fb.Clients) != 2 {
			t.Errorf("expected 2 clients, got %d", len(fb.Clients))
		}
	})

	t.Run("No usable provider", func(t *testing.T) {
		_, err := NewFromConfig([]byte(`[{"type":"unknown","models":["x"]}]`), nil)
		if !errors.Is(err, ErrNoClients) {
			t.Fatalf("expected ErrNoClients, got %v", err)
		}
	})
}

type schemaTool struct{ required []string }

func (schemaTool) Name() string                   { return "fetch_top_coins" }
func (schemaTool) Description() string            { return "Top coins" }
func (schemaTool) Parameters() map[string]any     { return nil }
func (s schemaTool) RequiredParameters() []string { return s.required }

func TestToolSchema(t *testing.T) {
	schema := ToolSchema(schemaTool{})
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}
	if req, ok := schema["required"].([]string); !ok || len(req) != 0 {
		t.Errorf("required should be an empty list, got %#v", schema["required"])
	}
	if props, ok := schema["properties"].(map[string]any); !ok || props == nil {
		t.Errorf("properties should be an empty object, got %#v", schema["properties"])
	}
}
