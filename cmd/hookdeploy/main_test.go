package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hookdeploy/internal/config"
	"hookdeploy/internal/server"

	"github.com/spf13/cobra"
)

func TestSignCommand(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	path := filepath.Join(t.TempDir(), "push.json")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"sign", "--secret", "s3cret", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if got, want := strings.TrimSpace(out.String()), server.Sign(payload, "s3cret"); got != want {
		t.Errorf("sign printed %q, want %q", got, want)
	}
}

func TestGenSecretCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"gen-secret"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("gen-secret: %v", err)
	}
	if n := len(strings.TrimSpace(out.String())); n != 48 {
		t.Errorf("secret length = %d, want 48", n)
	}
}

func TestApplyFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().IntVarP(&flagCfg.Port, "port", "p", 8080, "")
	cmd.Flags().StringVar(&flagCfg.ReposDir, "repos-dir", "./repos", "")
	if err := cmd.Flags().Parse([]string{"--port", "9999"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.ReposDir = "/from/file"
	applyFlags(cmd, cfg)

	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want flag value", cfg.Port)
	}
	if cfg.ReposDir != "/from/file" {
		t.Errorf("ReposDir = %q, an unset flag must not override", cfg.ReposDir)
	}
}

func TestSetupLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")

	logger, closeLog, err := setupLogging(path, slog.LevelInfo)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible", "key", "value")
	closeLog()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(content), "hidden") || !strings.Contains(string(content), `"msg":"visible"`) {
		t.Errorf("log file = %s", content)
	}
}

func TestBuildServer(t *testing.T) {
	cfg := config.Default()
	cfg.ReposDir = t.TempDir()
	cfg.LogDir = filepath.Join(t.TempDir(), "deploy-logs")
	cfg.DeployCommand = "true"

	srv, err := buildServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	if info, err := os.Stat(cfg.LogDir); err != nil || !info.IsDir() {
		t.Errorf("log dir should be created: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"zen":"x"}`)))
	srv.WaitForDeployments()
	if rr.Code != http.StatusOK {
		t.Errorf("webhook without secret = %d, want 200", rr.Code)
	}
}
