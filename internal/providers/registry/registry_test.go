package registry

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBuildVolcengine(t *testing.T) {
	provider, err := Build(BuildOptions{
		Provider:        "volcengine",
		AccessKeyID:     "AKTEST",
		SecretAccessKey: "secret",
		Logger:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if provider.Name() != "volcengine" {
		t.Fatalf("name: %q", provider.Name())
	}
}

func TestBuildUnknownProvider(t *testing.T) {
	_, err := Build(BuildOptions{Provider: "dalle"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "supported: volcengine") {
		t.Fatalf("error should list supported providers: %v", err)
	}
}
