package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

type SystemConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Location string `yaml:"location" json:"location"`
}

type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

type DBConfig struct {
	Enable   bool   `yaml:"enable" json:"enable"`
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// WhatsappConfig controls the automation engine and the session manager
// timeout policy. There is a single timeout policy on purpose: one QR wait
// ceiling, one engine query timeout.
type WhatsappConfig struct {
	// StoreDir is the credential store root. One subdirectory per session id,
	// contents are engine-defined and opaque to the gateway.
	StoreDir string `yaml:"store_dir" json:"store_dir"`
	// ClientName and Platform are the device identity shown in the paired
	// phone's linked-devices list.
	ClientName      string `yaml:"client_name" json:"client_name"`
	Platform        string `yaml:"platform" json:"platform"`
	QrWaitSec       int    `yaml:"qr_wait_sec" json:"qr_wait_sec"`
	QueryTimeoutSec int    `yaml:"query_timeout_sec" json:"query_timeout_sec"`
	WebhookWorkers  int    `yaml:"webhook_workers" json:"webhook_workers"`
}

type AppConfig struct {
	System   SystemConfig   `yaml:"system" json:"system"`
	Web      WebConfig      `yaml:"web" json:"web"`
	Database DBConfig       `yaml:"database" json:"database"`
	Logger   LoggerConfig   `yaml:"logger" json:"logger"`
	Whatsapp WhatsappConfig `yaml:"whatsapp" json:"whatsapp"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		System: SystemConfig{
			Appid:    "wagate",
			Workdir:  "/var/wagate",
			Location: "Asia/Shanghai",
		},
		Web: WebConfig{
			Host:   "0.0.0.0",
			Port:   1989,
			Secret: "wagate-secret",
		},
		Database: DBConfig{
			Enable:   false,
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wagate",
			User:     "postgres",
			MaxConn:  100,
			IdleConn: 10,
		},
		Logger: LoggerConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/wagate/wagate.log",
		},
		Whatsapp: WhatsappConfig{
			StoreDir:        "/var/wagate/sessions",
			ClientName:      "WaGate",
			Platform:        "chrome",
			QrWaitSec:       30,
			QueryTimeoutSec: 5,
			WebhookWorkers:  16,
		},
	}
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A missing file is not an error, defaults are used.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := DefaultConfig()
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "read config file")
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config file")
		}
	}
	setEnvValue("WAGATE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("WAGATE_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WAGATE_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WAGATE_WEB_SECRET", &cfg.Web.Secret)
	setEnvBoolValue("WAGATE_DB_ENABLE", &cfg.Database.Enable)
	setEnvValue("WAGATE_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WAGATE_DB_PORT", &cfg.Database.Port)
	setEnvValue("WAGATE_DB_NAME", &cfg.Database.Name)
	setEnvValue("WAGATE_DB_USER", &cfg.Database.User)
	setEnvValue("WAGATE_DB_PWD", &cfg.Database.Passwd)
	setEnvValue("WAGATE_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvValue("WAGATE_WA_STORE_DIR", &cfg.Whatsapp.StoreDir)
	setEnvValue("WAGATE_WA_CLIENT_NAME", &cfg.Whatsapp.ClientName)
	setEnvIntValue("WAGATE_WA_QR_WAIT_SEC", &cfg.Whatsapp.QrWaitSec)

	if cfg.Whatsapp.StoreDir == "" {
		cfg.Whatsapp.StoreDir = filepath.Join(cfg.System.Workdir, "sessions")
	}
	return cfg, nil
}

func setEnvValue(name string, f *string) {
	if v, ok := os.LookupEnv(name); ok {
		*f = v
	}
}

func setEnvIntValue(name string, f *int) {
	if v, ok := os.LookupEnv(name); ok {
		*f = cast.ToInt(v)
	}
}

func setEnvBoolValue(name string, f *bool) {
	if v, ok := os.LookupEnv(name); ok {
		*f = cast.ToBool(v)
	}
}
