package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/cache"
)

func TestRegistryResolvesFrontToBack(t *testing.T) {
	custom := GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("custom")
	})
	builtin := GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("builtin")
	})

	r := NewRegistry(
		Layer{Name: "custom", Generators: map[string]Generator{"infra-generator": custom}},
		Layer{Name: "builtin", Generators: map[string]Generator{
			"infra-generator": builtin,
			"db-generator":    builtin,
		}},
	)

	g, err := r.Resolve("infra-generator")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{}); err == nil || err.Error() != "custom" {
		t.Errorf("custom layer must shadow builtin, got %v", err)
	}

	g, err = r.Resolve("db-generator")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{}); err == nil || err.Error() != "builtin" {
		t.Errorf("fallthrough to builtin failed, got %v", err)
	}

	if _, err := r.Resolve("unknown-role"); err == nil {
		t.Error("unknown role must not resolve")
	}
}

func TestTokenUsageAccumulates(t *testing.T) {
	var total TokenUsage
	total.Add(TokenUsage{PromptTokens: 100, CompletionTokens: 40})
	total.Add(TokenUsage{PromptTokens: 50, CompletionTokens: 10})
	if total.PromptTokens != 150 || total.CompletionTokens != 50 || total.Total() != 200 {
		t.Errorf("usage = %+v", total)
	}
}

func TestCachedGeneratorMemoizesSuccess(t *testing.T) {
	calls := 0
	inner := GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		calls++
		return Response{
			Artifacts:  []artifact.Artifact{{Key: "k", Type: "network-config", Content: "vnet"}},
			TokenUsage: TokenUsage{PromptTokens: 10},
		}, nil
	})

	c, err := cache.New(1 << 20)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	defer c.Close()

	g := NewCachedGenerator(inner, c, time.Minute)
	req := Request{Role: "infra-generator", Description: "generate network"}

	first, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c.Wait()

	second, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if calls != 1 {
		t.Errorf("inner calls = %d, want 1", calls)
	}
	if len(second.Artifacts) != 1 || second.Artifacts[0].Content != first.Artifacts[0].Content {
		t.Errorf("cached response = %+v", second)
	}

	// A different request misses.
	if _, err := g.Generate(context.Background(), Request{Role: "infra-generator", Description: "something else"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if calls != 2 {
		t.Errorf("inner calls = %d, want 2", calls)
	}
}

func TestCachedGeneratorNeverCachesFailures(t *testing.T) {
	calls := 0
	inner := GeneratorFunc(func(ctx context.Context, req Request) (Response, error) {
		calls++
		return Response{}, errors.New("transient")
	})

	c, err := cache.New(1 << 20)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	defer c.Close()

	g := NewCachedGenerator(inner, c, time.Minute)
	req := Request{Role: "db-generator", Description: "schema"}

	for i := 0; i < 2; i++ {
		if _, err := g.Generate(context.Background(), req); err == nil {
			t.Fatal("expected error")
		}
	}
	c.Wait()
	if calls != 2 {
		t.Errorf("inner calls = %d, want 2 (failure must not be served from cache)", calls)
	}
}

func TestExecGeneratorRequiresCommand(t *testing.T) {
	if _, err := NewExecGenerator(ExecConfig{}, nil); err == nil {
		t.Error("empty command must be rejected")
	}
}
