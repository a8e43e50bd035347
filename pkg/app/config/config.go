// Package config provides a go-simpler.org/env configuration table for the
// bot and helpers for loading an optional .env file from the XDG config
// directory.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"zapai.dev/pkg/utils/apputil"
	"zapai.dev/pkg/utils/chk"
	"zapai.dev/pkg/utils/keys"
	"zapai.dev/pkg/utils/log"
	"zapai.dev/pkg/utils/lol"
	"zapai.dev/pkg/version"
)

// C holds the bot configuration loaded from environment variables and
// default values. Key names follow the deployment contract; durations that
// arrive as millisecond integers are exposed through the *Duration helpers
// below.
type C struct {
	AppName       string `env:"ZAPAI_APP_NAME" default:"zapai"`
	Config        string `env:"ZAPAI_CONFIG_DIR" usage:"location of the optional .env configuration file" default:""`
	DataDir       string `env:"ZAPAI_DATA_DIR" usage:"storage location for the session and balance store" default:""`
	LogLevel      string `env:"ZAPAI_LOG_LEVEL" default:"info" usage:"log level: off fatal error warn info debug trace"`
	DbLogLevel    string `env:"ZAPAI_DB_LOG_LEVEL" default:"warn" usage:"badger log level: off fatal error warn info debug trace"`
	BotPrivateKey string `env:"BOT_PRIVATE_KEY" usage:"bot secret key, nsec1... or 64 character hex (required)"`
	GeminiAPIKey  string `env:"GEMINI_API_KEY" usage:"Gemini API credential (or set GOOGLE_GENERATIVE_AI_API_KEY)"`
	GoogleAPIKey  string `env:"GOOGLE_GENERATIVE_AI_API_KEY" usage:"alternate name for the Gemini API credential"`
	GeminiModel   string `env:"GEMINI_MODEL" default:"gemini-1.5-flash" usage:"Gemini model identifier"`
	Relays        []string `env:"NOSTR_RELAYS" usage:"comma separated relay URLs the bot subscribes and publishes to (required)"`
	BotName       string `env:"BOT_NAME" default:"ZapAI" usage:"name the bot signs its primer with"`

	ResponseDelayMs      int64 `env:"BOT_RESPONSE_DELAY" default:"0" usage:"artificial delay in ms before each reply"`
	MaxConcurrent        int   `env:"MAX_CONCURRENT" default:"10" usage:"maximum processing tasks in flight"`
	MaxQueueSize         int   `env:"MAX_QUEUE_SIZE" default:"10000" usage:"maximum pending tasks before enqueues are dropped"`
	QueueTimeoutMs       int64 `env:"QUEUE_TIMEOUT" default:"60000" usage:"per-attempt task timeout in ms"`
	RateLimitMaxTokens   float64 `env:"RATE_LIMIT_MAX_TOKENS" default:"50" usage:"token bucket capacity, global and per user"`
	RateLimitRefillRate  float64 `env:"RATE_LIMIT_REFILL_RATE" default:"5" usage:"token bucket refill rate in tokens per second"`
	MetadataCacheTTLMs   int64 `env:"USER_METADATA_CACHE_TTL_MS" default:"21600000" usage:"user profile cache TTL in ms"`
	MetadataFastTimeout  int64 `env:"USER_METADATA_FAST_TIMEOUT_MS" default:"300" usage:"fast-path profile fetch timeout in ms"`
	ChatSessionReuse     bool  `env:"ENABLE_CHAT_SESSION_REUSE" default:"true" usage:"reuse AI chat sessions per conversation"`
	ChatSessionTTLMs     int64 `env:"CHAT_SESSION_TTL_MS" default:"1800000" usage:"idle TTL for cached AI chat sessions in ms"`
	MaxChatSessions      int   `env:"MAX_CHAT_SESSIONS" default:"5000" usage:"LRU capacity for cached AI chat sessions"`
	MemorySummary        bool  `env:"ENABLE_MEMORY_SUMMARY" default:"false" usage:"prepend a model-generated memory summary for long histories"`
	MemorySummaryMin     int   `env:"MEMORY_SUMMARY_MIN_MESSAGES" default:"16" usage:"history length that triggers the memory summary"`
	WebPort              int   `env:"WEB_PORT" default:"3000" usage:"port for the status/health endpoints"`
	DashboardPassword    string `env:"DASHBOARD_PASSWORD" usage:"basic auth password for the status endpoint; unset disables auth"`
	RelayPublishTimeout  int64 `env:"RELAY_PUBLISH_TIMEOUT_MS" default:"8000" usage:"per-relay publish deadline in ms"`
}

// New loads the configuration from the environment, after first merging in a
// .env file from the config directory when one exists, and validates the
// required keys.
func New() (cfg *C, err error) {
	cfg = &C{}
	// a .env in the XDG config dir is loaded first so real environment
	// variables override it
	probe := &C{}
	_ = env.Load(probe, &env.Options{SliceSep: ","})
	configDir := probe.Config
	if configDir == "" || strings.Contains(configDir, "~") {
		configDir = filepath.Join(xdg.ConfigHome, defaultString(probe.AppName, "zapai"))
	}
	envPath := filepath.Join(configDir, ".env")
	if apputil.FileExists(envPath) {
		if err = godotenv.Load(envPath); chk.E(err) {
			return
		}
		log.I.F("loaded configuration from %s", envPath)
	}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		return
	}
	cfg.Config = configDir
	if cfg.DataDir == "" || strings.Contains(cfg.DataDir, "~") {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	lol.SetLogLevel(cfg.LogLevel)
	// empty strings sneak into the relay list when the variable has a
	// trailing comma
	var relays []string
	for _, u := range cfg.Relays {
		if strings.TrimSpace(u) == "" {
			continue
		}
		relays = append(relays, strings.TrimSpace(u))
	}
	cfg.Relays = relays
	return
}

// Validate checks the required keys and normalizes the secret key to hex.
func (cfg *C) Validate() (err error) {
	if cfg.BotPrivateKey == "" {
		return fmt.Errorf("BOT_PRIVATE_KEY is required")
	}
	if cfg.BotPrivateKey, err = keys.DecodeNsecOrHex(cfg.BotPrivateKey); chk.E(err) {
		return
	}
	if cfg.APIKey() == "" {
		return fmt.Errorf("one of GEMINI_API_KEY or GOOGLE_GENERATIVE_AI_API_KEY is required")
	}
	if len(cfg.Relays) == 0 {
		return fmt.Errorf("NOSTR_RELAYS is required")
	}
	return
}

// APIKey returns the Gemini credential, preferring GEMINI_API_KEY.
func (cfg *C) APIKey() string {
	if cfg.GeminiAPIKey != "" {
		return cfg.GeminiAPIKey
	}
	return cfg.GoogleAPIKey
}

// ResponseDelay is BOT_RESPONSE_DELAY as a duration.
func (cfg *C) ResponseDelay() time.Duration {
	return time.Duration(cfg.ResponseDelayMs) * time.Millisecond
}

// QueueTimeout is QUEUE_TIMEOUT as a duration.
func (cfg *C) QueueTimeout() time.Duration {
	return time.Duration(cfg.QueueTimeoutMs) * time.Millisecond
}

// MetadataCacheTTL is USER_METADATA_CACHE_TTL_MS as a duration.
func (cfg *C) MetadataCacheTTL() time.Duration {
	return time.Duration(cfg.MetadataCacheTTLMs) * time.Millisecond
}

// MetadataFastTimeoutDur is USER_METADATA_FAST_TIMEOUT_MS as a duration.
func (cfg *C) MetadataFastTimeoutDur() time.Duration {
	return time.Duration(cfg.MetadataFastTimeout) * time.Millisecond
}

// ChatSessionTTL is CHAT_SESSION_TTL_MS as a duration.
func (cfg *C) ChatSessionTTL() time.Duration {
	return time.Duration(cfg.ChatSessionTTLMs) * time.Millisecond
}

// PublishTimeout is RELAY_PUBLISH_TIMEOUT_MS as a duration.
func (cfg *C) PublishTimeout() time.Duration {
	return time.Duration(cfg.RelayPublishTimeout) * time.Millisecond
}

func defaultString(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// HelpRequested determines if the command line arguments indicate a request
// for help.
func HelpRequested() (help bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			help = true
		}
	}
	return
}

// GetEnv reports whether the first command line argument is "env",
// requesting a dump of the current configuration.
func GetEnv() (requested bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "env":
			requested = true
		}
	}
	return
}

// KV is a key/value pair.
type KV struct{ Key, Value string }

// KVSlice is a sortable slice of key/value pairs.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// EnvKV generates key/value pairs from a configuration object's env struct
// tags. Secrets are not redacted; the env verb exists to round-trip the
// configuration into a .env file.
func EnvKV(cfg any) (m KVSlice) {
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("env")
		if k == "" {
			continue
		}
		v := reflect.ValueOf(cfg).Field(i).Interface()
		var val string
		switch vv := v.(type) {
		case string:
			val = vv
		case int, int64, bool, float64, time.Duration:
			val = fmt.Sprint(vv)
		case []string:
			if len(vv) > 0 {
				val = strings.Join(vv, ",")
			}
		}
		m = append(m, KV{k, val})
	}
	return
}

// PrintEnv outputs sorted KEY=value lines for the current configuration.
func PrintEnv(cfg *C, printer io.Writer) {
	kvs := EnvKV(*cfg)
	sort.Sort(kvs)
	for _, v := range kvs {
		_, _ = fmt.Fprintf(printer, "%s=%s\n", v.Key, v.Value)
	}
}

// PrintHelp prints the version banner, the env table usage, and the current
// configuration.
func PrintHelp(cfg *C, printer io.Writer) {
	_, _ = fmt.Fprintf(printer, "%s %s\n\n", cfg.AppName, version.V)
	_, _ = fmt.Fprintf(
		printer, "Environment variables that configure %s:\n\n", cfg.AppName,
	)
	env.Usage(cfg, printer, &env.Options{SliceSep: ","})
	_, _ = fmt.Fprintf(
		printer,
		"\nCLI parameter 'help' also prints this information\n\n"+
			".env file found at %s will be automatically loaded.\n"+
			"environment variables override it.\n\n"+
			"use the parameter 'env' to print the current configuration:\n\n\t%s env > %s/.env\n\n",
		cfg.Config, os.Args[0], cfg.Config,
	)
	_, _ = fmt.Fprintf(printer, "current configuration:\n\n")
	PrintEnv(cfg, printer)
	_, _ = fmt.Fprintln(printer)
}
