package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/logging"
	"github.com/anstrom/portscan/internal/scanning"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, scanning.DefaultConcurrency, cfg.Scanning.Concurrency)
	assert.Equal(t, scanning.DefaultUDPConcurrency, cfg.Scanning.UDPConcurrency)
	assert.Equal(t, scanning.DefaultProbeTimeout, cfg.Scanning.Timeout)
	assert.Zero(t, cfg.Scanning.Deadline)
	assert.True(t, cfg.Scanning.UDPPayloads)
	assert.Equal(t, "text", cfg.Output.Format)
	assert.False(t, cfg.Database.Enabled())
	assert.Equal(t, "127.0.0.1:8080", cfg.GetAPIAddress())
	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Empty(t, cfg.Schedules)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantErr  bool
		wantCode errors.ErrorCode
		check    func(t *testing.T, cfg *Config)
	}{
		{
			name: "yaml",
			file: "portscan.yaml",
			content: `
scanning:
  concurrency: 64
  udp_concurrency: 16
  timeout: 250ms
  deadline: 30s
  retries: 2
  rate_limit: 500
  dns_server: 192.0.2.53
output:
  format: table
  hide_closed: true
database:
  host: db.internal
  database: portscan
  username: scanner
logging:
  level: debug
  format: json
schedules:
  - name: nightly-web
    cron: "0 3 * * *"
    host: www.example.com
    ports: "80-443"
    protocols: [tcp, udp]
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 64, cfg.Scanning.Concurrency)
				assert.Equal(t, 16, cfg.Scanning.UDPConcurrency)
				assert.Equal(t, 250*time.Millisecond, cfg.Scanning.Timeout)
				assert.Equal(t, 30*time.Second, cfg.Scanning.Deadline)
				assert.Equal(t, 2, cfg.Scanning.Retries)
				assert.InDelta(t, 500.0, cfg.Scanning.RateLimit, 0.001)
				assert.Equal(t, "192.0.2.53", cfg.Scanning.DNSServer)
				assert.Equal(t, "table", cfg.Output.Format)
				assert.True(t, cfg.Output.HideClosed)
				assert.True(t, cfg.Database.Enabled())
				assert.Equal(t, "db.internal", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port, "unset fields keep defaults")
				assert.Equal(t, "debug", cfg.Logging.Level)
				require.Len(t, cfg.Schedules, 1)
				assert.Equal(t, "nightly-web", cfg.Schedules[0].Name)
			},
		},
		{
			name:    "json",
			file:    "portscan.json",
			content: `{"scanning": {"concurrency": 10, "udp_concurrency": 5, "timeout": "2s"}, "api": {"port": 9090}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10, cfg.Scanning.Concurrency)
				assert.Equal(t, 2*time.Second, cfg.Scanning.Timeout)
				assert.Equal(t, "127.0.0.1:9090", cfg.GetAPIAddress())
			},
		},
		{
			name:     "malformed",
			file:     "broken.yaml",
			content:  "scanning: [oops",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "bad log level",
			file:     "level.yaml",
			content:  "logging:\n  level: chatty\n",
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
		{
			name:    "lower concurrency only",
			file:    "low.yaml",
			content: "scanning:\n  concurrency: 10\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10, cfg.Scanning.Concurrency)
				assert.Equal(t, 10, cfg.Scanning.UDPConcurrency, "default udp limit follows the global one")
			},
		},
		{
			name:     "udp concurrency above global",
			file:     "udp.yaml",
			content:  "scanning:\n  concurrency: 10\n  udp_concurrency: 20\n",
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
		{
			name:     "database without user",
			file:     "db.yaml",
			content:  "database:\n  database: portscan\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name: "bad cron",
			file: "cron.yaml",
			content: `
schedules:
  - {name: a, cron: "every night", host: localhost, ports: "22"}
`,
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
		{
			name: "duplicate schedule",
			file: "dup.yaml",
			content: `
schedules:
  - {name: a, cron: "@hourly", host: localhost, ports: "22"}
  - {name: a, cron: "@daily", host: localhost, ports: "80"}
`,
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
		{
			name: "schedule port out of range",
			file: "ports.yaml",
			content: `
schedules:
  - {name: a, cron: "@hourly", host: localhost, ports: "70000"}
`,
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
		{
			name: "schedule missing host",
			file: "host.yaml",
			content: `
schedules:
  - {name: a, cron: "@hourly", ports: "22"}
`,
			wantErr:  true,
			wantCode: errors.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, cfg)
				assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate_FieldErrors(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "chatty"

	err := cfg.Validate()
	require.Error(t, err)

	var cfgErr *errors.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Field, "Logging.Level")
	assert.Equal(t, "chatty", cfgErr.Value)

	cfg = Default()
	cfg.API.TLS.Enabled = true
	assert.Error(t, cfg.Validate(), "TLS needs cert and key")
	cfg.API.TLS.CertFile = "cert.pem"
	cfg.API.TLS.KeyFile = "key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Scanning.Concurrency = 32
	cfg.Scanning.UDPConcurrency = 8
	cfg.Schedules = []ScheduleConfig{{Name: "ssh", Cron: "*/5 * * * *", Host: "10.0.0.1", Ports: "22", Protocols: []string{"tcp"}}}

	path := filepath.Join(t.TempDir(), "nested", "portscan.yaml")
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, loaded.Scanning.Concurrency)
	assert.Equal(t, cfg.Schedules, loaded.Schedules)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORTSCAN_DATABASE_PASSWORD", "from-env")
	t.Setenv("PORTSCAN_SCANNING_TIMEOUT", "750ms")
	t.Setenv("PORTSCAN_SCANNING_CONCURRENCY", "12")
	t.Setenv("PORTSCAN_API_PORT", "9443")

	cfg := Default()
	cfg.ApplyEnv(NewViper())

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, 750*time.Millisecond, cfg.Scanning.Timeout)
	assert.Equal(t, 12, cfg.Scanning.Concurrency)
	assert.Equal(t, 12, cfg.Scanning.UDPConcurrency)
	assert.Equal(t, 9443, cfg.API.Port)
	assert.Equal(t, "info", cfg.Logging.Level, "unset variables leave the file value")
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_ExplicitUDPConcurrency(t *testing.T) {
	t.Setenv("PORTSCAN_SCANNING_CONCURRENCY", "12")

	cfg, err := Load(writeConfig(t, "udp.yaml", "scanning:\n  udp_concurrency: 40\n"))
	require.NoError(t, err)
	cfg.ApplyEnv(NewViper())

	assert.Equal(t, 40, cfg.Scanning.UDPConcurrency, "explicit value is not clamped")
	err = cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, "must not exceed scanning.concurrency: scanning.udp_concurrency", errors.Message(err))

	t.Setenv("PORTSCAN_SCANNING_UDP_CONCURRENCY", "4")
	cfg, err = Load(writeConfig(t, "udp.yaml", "scanning:\n  udp_concurrency: 40\n"))
	require.NoError(t, err)
	cfg.ApplyEnv(NewViper())
	assert.Equal(t, 4, cfg.Scanning.UDPConcurrency)
	assert.NoError(t, cfg.Validate())
}

func TestSchedulerConfig(t *testing.T) {
	cfg := Default()
	cfg.Scanning.Deadline = time.Minute
	cfg.Scanning.Retries = 1
	cfg.Scanning.RateLimit = 100

	assert.Equal(t, scanning.SchedulerConfig{
		Concurrency:    scanning.DefaultConcurrency,
		UDPConcurrency: scanning.DefaultUDPConcurrency,
		Timeout:        scanning.DefaultProbeTimeout,
		Deadline:       time.Minute,
		GracePeriod:    scanning.DefaultGracePeriod,
		Retries:        1,
		RateLimit:      100,
	}, cfg.SchedulerConfig())
}

func TestLoggingConfig(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	assert.Equal(t, logging.Config{
		Level:     logging.LevelDebug,
		Format:    logging.FormatJSON,
		Output:    "stderr",
		AddSource: true,
	}, cfg.LoggingConfig())
}

func TestParseProtocols(t *testing.T) {
	protocols, err := ParseProtocols(nil)
	require.NoError(t, err)
	assert.Equal(t, []scanning.Protocol{scanning.TCP}, protocols)

	protocols, err = ParseProtocols([]string{"UDP", "tcp"})
	require.NoError(t, err)
	assert.Equal(t, []scanning.Protocol{scanning.UDP, scanning.TCP}, protocols)

	_, err = ParseProtocols([]string{"sctp"})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}

func TestScheduleConfig_Request(t *testing.T) {
	req, err := ScheduleConfig{Host: "example.com", Ports: "20-25", Protocols: []string{"udp"}}.Request()
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanRequest{
		Host:      "example.com",
		Ports:     scanning.PortRange{Start: 20, End: 25},
		Protocols: []scanning.Protocol{scanning.UDP},
	}, req)

	_, err = ScheduleConfig{Host: "example.com", Ports: "25-20"}.Request()
	assert.True(t, errors.IsCode(err, errors.CodeInvalidRange))
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.EngineOptions(), 1)

	cfg.Scanning.DNSServer = "192.0.2.53"
	assert.Len(t, cfg.EngineOptions(), 2)
	assert.NotNil(t, scanning.NewEngine(cfg.EngineOptions()...))
}
