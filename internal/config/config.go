package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"voice-platform/pkg/utils"
)

// Config holds all configuration required by the API process.
// All values must come from env (or a .env file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Voice     VoiceConfig
	Agents    AgentsConfig
	OpenAI    OpenAIConfig
	RateLimit RateLimitConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicURL is the externally reachable base URL used in TwiML and carrier callbacks.
	PublicURL string
}

type DBConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Path is the sqlite database file (sqlite driver only).
	Path string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// StreamURL overrides the media stream URL put in TwiML.
	StreamURL string
	// Greeting is said before bridging when the session has none.
	Greeting string
	// GatherOnly answers calls with a speech <Gather> instead of a media stream.
	GatherOnly bool
}

// ProviderCredentials configures one voice backend. A provider without an
// APIKey is not registered.
type ProviderCredentials struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	AgentID       string

	// PhoneNumberID is the provider-side caller id handle (vapi only).
	PhoneNumberID string
}

type VoiceConfig struct {
	ActiveProvider string

	Retell ProviderCredentials
	Vapi   ProviderCredentials
	Awaz   ProviderCredentials

	// AwazSocketURL is the audio WebSocket endpoint of the Awaz backend.
	AwazSocketURL string

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxConcurrentStreams int
}

type AgentsConfig struct {
	// File is an optional YAML directory mapping dialed numbers to agent ids.
	File           string
	DefaultAgentID string
	OverrideTTL    time.Duration
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type RateLimitConfig struct {
	WebhookRPS   float64
	WebhookBurst int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.Path = strings.TrimSpace(os.Getenv("DB_PATH"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.StreamURL = strings.TrimSpace(os.Getenv("TWILIO_STREAM_URL"))
	c.Twilio.Greeting = strings.TrimSpace(os.Getenv("VOICE_GREETING"))
	c.Twilio.GatherOnly = strings.EqualFold(strings.TrimSpace(os.Getenv("TWILIO_GATHER_ONLY")), "true")

	c.Voice.ActiveProvider = strings.ToLower(strings.TrimSpace(os.Getenv("VOICE_PROVIDER")))
	c.Voice.Retell = loadProvider("RETELL")
	c.Voice.Vapi = loadProvider("VAPI")
	c.Voice.Vapi.AgentID = utils.FirstNonEmpty(c.Voice.Vapi.AgentID, strings.TrimSpace(os.Getenv("VAPI_ASSISTANT_ID")))
	c.Voice.Awaz = loadProvider("AWAZ")
	c.Voice.AwazSocketURL = strings.TrimSpace(os.Getenv("AWAZ_SOCKET_URL"))
	c.Voice.HeartbeatInterval = mustDuration("VOICE_HEARTBEAT_INTERVAL")
	c.Voice.HeartbeatTimeout = mustDuration("VOICE_HEARTBEAT_TIMEOUT")
	{
		n, err := optionalInt("VOICE_MAX_CONCURRENT_STREAMS", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Voice.MaxConcurrentStreams = n
	}

	c.Agents.File = strings.TrimSpace(os.Getenv("AGENTS_FILE"))
	c.Agents.DefaultAgentID = strings.TrimSpace(os.Getenv("DEFAULT_AGENT_ID"))
	c.Agents.OverrideTTL = mustDuration("AGENT_OVERRIDE_TTL")

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.Model = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))

	{
		v := strings.TrimSpace(os.Getenv("WEBHOOK_RATE_LIMIT_RPS"))
		if v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("WEBHOOK_RATE_LIMIT_RPS must be a number, got %q", v))
			}
			c.RateLimit.WebhookRPS = f
		}
		n, err := optionalInt("WEBHOOK_RATE_LIMIT_BURST", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.RateLimit.WebhookBurst = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicURL == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
		} else {
			c.App.PublicURL = fmt.Sprintf("http://localhost:%d", c.App.Port)
		}
	}

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.IsProduction() {
		if c.Twilio.AccountSID == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
		if c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required in production"))
		}
	}

	errs = append(errs, c.validateVoice()...)

	if c.Agents.OverrideTTL <= 0 {
		c.Agents.OverrideTTL = 2 * time.Hour
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.RateLimit.WebhookRPS <= 0 {
		c.RateLimit.WebhookRPS = 50
	}
	if c.RateLimit.WebhookBurst <= 0 {
		c.RateLimit.WebhookBurst = 100
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Driver == "" {
		c.DB.Driver = "postgres"
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite is not allowed in production"))
		}
		if c.DB.Path == "" {
			c.DB.Path = "voice-platform.db"
		}
		return errs
	case "postgres":
	default:
		return append(errs, fmt.Errorf("DB_DRIVER must be one of postgres, sqlite, got %q", c.DB.Driver))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c *Config) validateVoice() []error {
	var errs []error
	if c.Voice.ActiveProvider == "" {
		errs = append(errs, errors.New("VOICE_PROVIDER is required"))
	} else if !isValidProvider(c.Voice.ActiveProvider) {
		errs = append(errs, fmt.Errorf("VOICE_PROVIDER must be one of retell, vapi, awaz, got %q", c.Voice.ActiveProvider))
	}

	if c.Voice.HeartbeatInterval <= 0 {
		c.Voice.HeartbeatInterval = 10 * time.Second
	}
	if c.Voice.HeartbeatTimeout <= 0 {
		c.Voice.HeartbeatTimeout = 30 * time.Second
	}
	if c.Voice.HeartbeatTimeout <= c.Voice.HeartbeatInterval {
		errs = append(errs, errors.New("VOICE_HEARTBEAT_TIMEOUT must be greater than VOICE_HEARTBEAT_INTERVAL"))
	}
	if c.Voice.MaxConcurrentStreams < 0 {
		errs = append(errs, fmt.Errorf("VOICE_MAX_CONCURRENT_STREAMS must be >= 0, got %d", c.Voice.MaxConcurrentStreams))
	}

	if c.Voice.Retell.BaseURL == "" {
		c.Voice.Retell.BaseURL = "https://api.retellai.com"
	}
	if c.Voice.Vapi.BaseURL == "" {
		c.Voice.Vapi.BaseURL = "https://api.vapi.ai"
	}
	if c.Voice.Awaz.APIKey != "" && c.Voice.AwazSocketURL == "" {
		errs = append(errs, errors.New("AWAZ_SOCKET_URL is required when AWAZ_API_KEY is set"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DatabaseDSN returns the DSN for the configured driver.
func (c Config) DatabaseDSN() string {
	if c.DB.Driver == "sqlite" {
		return fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", c.DB.Path)
	}
	return c.PostgresDSN()
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func loadProvider(prefix string) ProviderCredentials {
	return ProviderCredentials{
		APIKey:        os.Getenv(prefix + "_API_KEY"),
		WebhookSecret: os.Getenv(prefix + "_WEBHOOK_SECRET"),
		BaseURL:       strings.TrimRight(strings.TrimSpace(os.Getenv(prefix+"_BASE_URL")), "/"),
		AgentID:       strings.TrimSpace(os.Getenv(prefix + "_AGENT_ID")),
		PhoneNumberID: strings.TrimSpace(os.Getenv(prefix + "_PHONE_NUMBER_ID")),
	}
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidProvider(v string) bool {
	switch v {
	case "retell", "vapi", "awaz":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
