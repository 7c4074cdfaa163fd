package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "agentcore"

// HomeDir returns the user's configuration home: ~/.agentcore
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.agentcore exists with default content. Called once at
// startup; only creates what is missing, never overwrites user edits.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "sessions"),
		filepath.Join(root, "events"),
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0644); err != nil {
			logger.Warn("Failed to write default config", zap.String("path", configPath), zap.Error(err))
		} else {
			logger.Info("Bootstrap complete", zap.String("home", root))
			return nil
		}
	}

	logger.Debug("Home directory OK", zap.String("home", root))
	return nil
}

const defaultConfig = `# agentcore configuration
# Auto-generated on first launch — feel free to edit.

# ─── Gateway ──────────────────────────────────────────────────
# HTTP API + WebSocket event stream listen address.
gateway:
  host: 0.0.0.0
  port: 18790
  mode: local                  # local | production

# ─── Logging ──────────────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: console              # json | console
  output_path: stdout

# ─── Session store ────────────────────────────────────────────
# Root directory for <sessionId>/metadata.json, messages.jsonl, images/.
store:
  root: ""                     # empty = ~/.agentcore/sessions

# ─── Grounding ────────────────────────────────────────────────
# Bounding-box detection model (JSON-constrained call).
grounding:
  model: gemini-2.5-flash
  api_key: ""                  # or GEMINI_API_KEY in the environment

# ─── OS automation ────────────────────────────────────────────
# The remote endpoint that owns the mouse, keyboard and screen.
os_automation:
  base_url: http://127.0.0.1:9876
  timeout: 60s

# ─── Agent ────────────────────────────────────────────────────
agent:
  default_model: gemini-2.5-pro
  temperature: 0.2
  # Tool names auto-accepted in every new session, e.g. [computer_wait].
  auto_accept: []
  providers:
    - name: gemini
      type: gemini
      api_key: ""
      models: [gemini-2.5-pro, gemini-2.5-flash]
      priority: 1

# ─── Events ───────────────────────────────────────────────────
events:
  buffer_size: 256
  wal_dir: ""                  # empty = in-memory bus, no journal

# ─── Policy side-table ────────────────────────────────────────
policy:
  db_path: ""                  # empty = ~/.agentcore/policy.db
`
