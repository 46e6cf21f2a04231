package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"RelayChat/internal/config"
)

func clearCredentials(t *testing.T) {
	t.Helper()
	for _, name := range []string{"BOT_TOKEN", "TELEGRAM_BOT_TOKEN", "GROQ_API_KEY", "LLM_API_KEY", "LLM_PROVIDER"} {
		t.Setenv(name, "")
	}
}

func TestLoadConfig_MissingCredentialsIsFatal(t *testing.T) {
	clearCredentials(t)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.Execute()
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestLoadConfig_ConfigFileAndLocalMode(t *testing.T) {
	clearCredentials(t)
	t.Setenv("GROQ_API_KEY", "gsk_test")

	dir := t.TempDir()
	path := filepath.Join(dir, "relaychat.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	chat, _, err := root.Find([]string{"chat"})
	if err != nil {
		t.Fatal(err)
	}
	chat.InheritedFlags() // merges the root's persistent flags into chat.Flags()
	if err := chat.Flags().Set("config", path); err != nil {
		t.Fatal(err)
	}
	if err := chat.Flags().Set("env-file", filepath.Join(dir, "none.env")); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(chat, true)
	if err != nil {
		t.Fatalf("loadConfig(local): %v", err)
	}
	if cfg.Relay.Model != "from-file" {
		t.Errorf("model = %q, want from-file", cfg.Relay.Model)
	}

	if _, err := loadConfig(chat, false); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig without BOT_TOKEN", err)
	}
}
