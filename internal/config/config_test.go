package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/water.report/internal/classify"
	"github.com/banshee-data/water.report/internal/hub"
	"github.com/banshee-data/water.report/internal/reading"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bands, err := cfg.Bands()
	require.NoError(t, err)
	assert.Equal(t, classify.DefaultBands(), bands)
	assert.Equal(t, 5, cfg.ConsecutiveContaminationThreshold)
	assert.Equal(t, hub.Disconnect, cfg.HubPolicy())
	assert.Equal(t, 10*time.Second, cfg.GetExpectedInterval())
	assert.False(t, cfg.SMTP().Configured())
}

func TestLoadPartialFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "site.json", `{
		"consecutive_contamination_threshold": 3,
		"safe_ranges": {"Turbidity": {"min": 0, "max": 4}},
		"adapters": {"poll": {"enabled": true, "url": "http://device.local/latest", "interval": "1s"}},
		"hub": {"overflow": "drop_oldest"}
	}`)
	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.ConsecutiveContaminationThreshold)
	bands, err := cfg.Bands()
	require.NoError(t, err)
	assert.Equal(t, classify.Band{Min: 0, Max: 4}, bands[reading.Turbidity])
	assert.Equal(t, classify.Band{Min: 6.5, Max: 8.5}, bands[reading.PH], "untouched sensors keep defaults")
	assert.True(t, cfg.Adapters.Poll.Enabled)
	assert.Equal(t, time.Second, cfg.GetPollInterval())
	assert.Equal(t, 10*time.Second, cfg.GetPollTimeout())
	assert.True(t, cfg.Adapters.Serial.Enabled)
	assert.Equal(t, hub.DropOldest, cfg.HubPolicy())

	want := Default()
	want.ConsecutiveContaminationThreshold = 3
	want.SafeRanges["Turbidity"] = classify.Band{Min: 0, Max: 4}
	want.Adapters.Poll.Enabled = true
	want.Adapters.Poll.URL = "http://device.local/latest"
	want.Adapters.Poll.Interval = "1s"
	want.Hub.Overflow = "drop_oldest"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("loaded config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"extension", "config.yaml", "{}", ".json extension"},
		{"syntax", "config.json", "{", "parse config JSON"},
		{"threshold", "config.json", `{"consecutive_contamination_threshold": 0}`, "at least 1"},
		{"unknown sensor", "config.json", `{"safe_ranges": {"Lead": {"min": 0, "max": 1}}}`, `unknown sensor "Lead"`},
		{"empty band", "config.json", `{"safe_ranges": {"pH": {"min": 9, "max": 6}}}`, "must be below"},
		{"strategy", "config.json", `{"classifier": {"strategy": "oracle"}}`, "unknown classifier.strategy"},
		{"model path", "config.json", `{"classifier": {"strategy": "model"}}`, "model_path is required"},
		{"duration", "config.json", `{"pipeline": {"expected_interval": "soon"}}`, "invalid pipeline.expected_interval"},
		{"overflow", "config.json", `{"hub": {"overflow": "block"}}`, "hub.overflow"},
		{"poll url", "config.json", `{"adapters": {"poll": {"enabled": true}}}`, "adapters.poll.url"},
		{"mqtt broker", "config.json", `{"adapters": {"mqtt": {"enabled": true}}}`, "adapters.mqtt.broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadRejectsLargeFile(t *testing.T) {
	t.Parallel()
	body := `{"listen": "` + strings.Repeat("x", maxFileSize) + `"}`
	_, err := Load(writeConfig(t, "big.json", body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.ConsecutiveContaminationThreshold = 0
	cfg.Hub.QueueSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive_contamination_threshold")
	assert.Contains(t, err.Error(), "hub.queue_size")
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{
		"SENDER_EMAIL":    "alerts@example.com",
		"SENDER_PASSWORD": "app-password",
		"ALERT_RECIPIENT": "ops@example.com, lab@example.com",
		"POLL_API_KEY":    "k3y",
		"MQTT_USERNAME":   "device",
		"MQTT_PASSWORD":   "secret",
		"REDIS_PASSWORD":  "r3dis",
		"LOG_LEVEL":       "debug",
	}))
	cfg.ApplyEnv(env(map[string]string{"CONSECUTIVE_CONTAMINATION_THRESHOLD": "7"}))
	require.NoError(t, cfg.Validate())

	smtp := cfg.SMTP()
	assert.True(t, smtp.Configured())
	assert.Equal(t, "alerts@example.com", smtp.From)
	assert.Equal(t, "alerts@example.com", smtp.Username)
	assert.Equal(t, "app-password", smtp.Password)
	assert.Equal(t, []string{"ops@example.com", "lab@example.com"}, smtp.To)
	assert.Equal(t, 587, smtp.Port)
	assert.Equal(t, "k3y", cfg.Adapters.Poll.APIKey)
	assert.Equal(t, "device", cfg.Adapters.MQTT.Username)
	assert.Equal(t, "secret", cfg.Adapters.MQTT.Password)
	assert.Equal(t, "r3dis", cfg.Redis.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.ConsecutiveContaminationThreshold)
}

func TestApplyEnvIgnoresBadThreshold(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.ApplyEnv(env(map[string]string{"CONSECUTIVE_CONTAMINATION_THRESHOLD": "many"}))
	assert.Equal(t, 5, cfg.ConsecutiveContaminationThreshold)
}

func TestSecretsAreNotReadFromFile(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"alert": {"Password": "leaked", "sender": "a@b.c"}}`)
	cfg := Default()
	require.NoError(t, cfg.loadFile(path))
	assert.Empty(t, cfg.Alert.Password)
	assert.Equal(t, "a@b.c", cfg.Alert.Sender)
}

func TestRetryAndClassifyConfig(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Alert.MaxAttempts = 4
	cfg.Alert.InitialBackoff = "500ms"
	r := cfg.Retry()
	assert.Equal(t, 4, r.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, r.InitialDelay)
	assert.Equal(t, 30*time.Second, r.MaxDelay)

	cfg.Classifier = ClassifierConfig{Strategy: "model", ModelPath: "models/forest.json", ModelDir: "models"}
	assert.Equal(t, classify.Config{Strategy: "model", ModelPath: "models/forest.json", ModelDir: "models"}, cfg.ClassifyConfig())
}
