package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefEventType     = "traffic-monitoring-trigger"
	DefTriggeredBy   = "cloud-scheduler"
	DefEnvironment   = "production"
	DefRelayEndpoint = "/trigger"
	DefMetricsPath   = "/metrics"
	DefJobName       = "traffic-monitoring-trigger"
	DefSchedule      = "*/5 * * * *"
	DefTimeZone      = "UTC"
	DefUserAgent     = "gotrigger"
	DefRetryTimeout  = time.Minute
	DefDedupWindow   = 4 * time.Minute
	DefSampleRatio   = 1.0
)

// DefRequiredSecrets are the repository secrets the traffic monitoring
// workflow reads.
var DefRequiredSecrets = []string{
	"SUPABASE_URL",
	"SUPABASE_KEY",
	"API_KEY",
	"GEOCODE_API_KEY",
	"GROQ_API_KEY",
	"TABLE_NAME",
}

var DefOptionalVariables = []string{"LOG_LEVEL"}

type Config struct {
	GithubAPIToken string `toml:"github_api_token"`
	GithubAPIURL   string `toml:"github_api_url"`
	UserAgent      string `toml:"user_agent"`
	LogFormat      string `toml:"log_format"`
	LogTimeKey     string `toml:"log_time_key"`
	LogLevel       string `toml:"log_level"`

	Repository GithubRepository `toml:"repository"`
	Dispatch   Dispatch         `toml:"dispatch"`
	Relay      Relay            `toml:"relay"`
	Dedup      Dedup            `toml:"dedup"`
	Audit      Audit            `toml:"audit"`
	Tracing    Tracing          `toml:"tracing"`
	Scheduler  Scheduler        `toml:"scheduler"`
	Workflow   Workflow         `toml:"workflow"`
}

type GithubRepository struct {
	Owner          string `toml:"owner"`
	RepositoryName string `toml:"repository"`
}

func (r *GithubRepository) String() string {
	return r.Owner + "/" + r.RepositoryName
}

type Dispatch struct {
	EventType     string            `toml:"event_type"`
	TriggeredBy   string            `toml:"triggered_by"`
	Environment   string            `toml:"environment"`
	ClientPayload map[string]string `toml:"client_payload"`
	PayloadQuery  string            `toml:"payload_query"`
	RetryTimeout  string            `toml:"retry_timeout"`
}

type Relay struct {
	HTTPListenAddr  string `toml:"http_server_listen_addr"`
	HTTPSListenAddr string `toml:"https_server_listen_addr"`
	HTTPSCertFile   string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile    string `toml:"https_ssl_key_file"`
	Endpoint        string `toml:"endpoint"`
	AuthToken       string `toml:"auth_token"`
	MetricsEndpoint string `toml:"metrics_endpoint"`
}

type Dedup struct {
	Window        string `toml:"window"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

type Audit struct {
	DatabaseURL string `toml:"database_url"`
}

type Tracing struct {
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	// SampleRatio is the fraction of traces that are sampled, 0 disables
	// sampling. Unset defaults to DefSampleRatio.
	SampleRatio *float64 `toml:"sample_ratio"`
}

// Ratio returns the configured sample ratio or DefSampleRatio if it is
// unset.
func (t *Tracing) Ratio() float64 {
	if t.SampleRatio == nil {
		return DefSampleRatio
	}

	return *t.SampleRatio
}

type Scheduler struct {
	JobName   string `toml:"job_name"`
	Project   string `toml:"project"`
	Location  string `toml:"location"`
	Schedule  string `toml:"schedule"`
	TimeZone  string `toml:"time_zone"`
	TargetURI string `toml:"target_uri"`
}

type Workflow struct {
	RequiredSecrets   []string `toml:"required_secrets"`
	OptionalVariables []string `toml:"optional_variables"`
}

// Load parses the configuration from reader and applies default values to
// unset fields.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.ApplyDefaults()

	return &result, nil
}

// ApplyDefaults sets all unset optional fields to their default values.
func (r *Config) ApplyDefaults() {
	if r.GithubAPIToken == "" {
		r.GithubAPIToken = os.Getenv("GITHUB_TOKEN")
	}

	setDefault(&r.UserAgent, DefUserAgent)
	setDefault(&r.LogFormat, "logfmt")
	setDefault(&r.LogTimeKey, "time_iso8601")
	setDefault(&r.LogLevel, "info")

	setDefault(&r.Dispatch.EventType, DefEventType)
	setDefault(&r.Dispatch.TriggeredBy, DefTriggeredBy)
	setDefault(&r.Dispatch.Environment, DefEnvironment)
	setDefault(&r.Dispatch.RetryTimeout, DefRetryTimeout.String())

	setDefault(&r.Relay.Endpoint, DefRelayEndpoint)
	setDefault(&r.Relay.MetricsEndpoint, DefMetricsPath)

	setDefault(&r.Dedup.Window, DefDedupWindow.String())

	if r.Tracing.SampleRatio == nil {
		ratio := DefSampleRatio
		r.Tracing.SampleRatio = &ratio
	}

	setDefault(&r.Scheduler.JobName, DefJobName)
	setDefault(&r.Scheduler.Schedule, DefSchedule)
	setDefault(&r.Scheduler.TimeZone, DefTimeZone)

	if r.Workflow.RequiredSecrets == nil {
		r.Workflow.RequiredSecrets = append([]string(nil), DefRequiredSecrets...)
	}

	if r.Workflow.OptionalVariables == nil {
		r.Workflow.OptionalVariables = append([]string(nil), DefOptionalVariables...)
	}
}

func setDefault(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Validate returns an error if a mandatory field is missing or a field has
// an invalid value.
func (r *Config) Validate() error {
	var errs []error

	if r.Repository.Owner == "" {
		errs = append(errs, errors.New("repository.owner: missing value"))
	}

	if r.Repository.RepositoryName == "" {
		errs = append(errs, errors.New("repository.repository: missing value"))
	}

	if _, err := r.Dispatch.RetryTimeoutDuration(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.retry_timeout: %w", err))
	}

	if _, err := r.Dedup.WindowDuration(); err != nil {
		errs = append(errs, fmt.Errorf("dedup.window: %w", err))
	}

	if ratio := r.Tracing.Ratio(); ratio < 0 || ratio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio: %v is not in range [0, 1]", ratio))
	}

	if (r.Relay.HTTPSCertFile == "") != (r.Relay.HTTPSKeyFile == "") {
		errs = append(errs, errors.New("relay: https_ssl_cert_file and https_ssl_key_file must be set together"))
	}

	if r.Relay.HTTPSListenAddr != "" && r.Relay.HTTPSCertFile == "" {
		errs = append(errs, errors.New("relay: https_server_listen_addr requires https_ssl_cert_file and https_ssl_key_file"))
	}

	return errors.Join(errs...)
}

func (d *Dispatch) RetryTimeoutDuration() (time.Duration, error) {
	return parsePositiveDuration(d.RetryTimeout)
}

func (d *Dedup) WindowDuration() (time.Duration, error) {
	return parsePositiveDuration(d.Window)
}

func parsePositiveDuration(in string) (time.Duration, error) {
	d, err := time.ParseDuration(in)
	if err != nil {
		return 0, err
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}

	return d, nil
}

func (r *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(r)
}
