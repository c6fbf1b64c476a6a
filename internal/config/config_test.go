package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zetapush/zetapush-log-server/internal/pkg/security"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logserver.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
platform:
  sandbox_id: sbx
  username: dev@example.com
  password: secret
pipeline:
  discovery_interval: 2m
realtime:
  backoff_max: 10s
http:
  users:
    - username: admin
      password_hash: $2a$10$abcdefghijklmnopqrstuv
`)
	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if config.Platform.SandboxID != "sbx" || config.Platform.APIURL != "https://api.zpush.io" {
		t.Errorf("platform = %+v", config.Platform)
	}
	if config.Pipeline.DiscoveryInterval != 2*time.Minute {
		t.Errorf("discovery_interval = %v", config.Pipeline.DiscoveryInterval)
	}
	if config.Realtime.BackoffMax != 10*time.Second || config.Realtime.BackoffMin != 500*time.Millisecond {
		t.Errorf("realtime = %+v", config.Realtime)
	}
	if config.HTTP.Listen != ":5000" || len(config.HTTP.Users) != 1 {
		t.Errorf("http = %+v", config.HTTP)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOGSERVER_SANDBOX_ID":         "from-env",
		"LOGSERVER_LISTEN":             ":9000",
		"LOGSERVER_PASSWORD":           "  ",
		"LOGSERVER_DISCOVERY_INTERVAL": "30s",
		"LOGSERVER_HTTP_GZIP":          "off",
	}
	config := Default()
	config.Platform.Password = "kept"
	config.ApplyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})

	if config.Platform.SandboxID != "from-env" || config.HTTP.Listen != ":9000" {
		t.Errorf("config = %+v", config)
	}
	if config.Platform.Password != "kept" {
		t.Errorf("blank env value overrode password: %q", config.Platform.Password)
	}
	if config.Pipeline.DiscoveryInterval != 30*time.Second || config.HTTP.Gzip {
		t.Errorf("discovery = %v, gzip = %v", config.Pipeline.DiscoveryInterval, config.HTTP.Gzip)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	config := Default()
	config.Log.Format = "xml"
	err := config.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"sandbox_id", "username", "password", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDecryptSecrets(t *testing.T) {
	cipher, err := security.NewCipher(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := cipher.EncryptString("hunter2")
	if err != nil {
		t.Fatal(err)
	}

	config := Default()
	config.Platform.Password = enc
	if !config.HasSecrets() {
		t.Fatal("HasSecrets = false")
	}
	if err := config.DecryptSecrets(cipher); err != nil {
		t.Fatalf("DecryptSecrets: %v", err)
	}
	if config.Platform.Password != "hunter2" || config.HasSecrets() {
		t.Errorf("password = %q", config.Platform.Password)
	}
}
