package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/domain"
)

var ErrInvalidConfig = errors.New("config: invalid definitions")

// Definitions is the declarative set of probes, alarms and topics the engine
// registers at startup.
type Definitions struct {
	Probes []ProbeDef `yaml:"probes"`
	Alarms []AlarmDef `yaml:"alarms"`
	Topics []TopicDef `yaml:"topics"`
}

type ProbeDef struct {
	ID          string     `yaml:"id"`
	Kind        string     `yaml:"kind"` // api | visual
	RateSeconds int        `yaml:"rate_seconds"`
	TimeoutMS   int        `yaml:"timeout_ms"`
	API         *APIDef    `yaml:"api,omitempty"`
	Visual      *VisualDef `yaml:"visual,omitempty"`
	Retry       *RetryDef  `yaml:"retry,omitempty"`
	FaultRate   float64    `yaml:"fault_rate"`
}

type StatusRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type APIDef struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	ExpectedStatus StatusRange       `yaml:"expected_status"`
	Headers        map[string]string `yaml:"headers"`
	BodyContains   string            `yaml:"body_contains"`
	ExpectJSONKeys []string          `yaml:"expect_json_keys"`
	MinItems       int               `yaml:"min_items"`
}

type StepDef struct {
	Action   string `yaml:"action"`
	Selector string `yaml:"selector"`
	Text     string `yaml:"text"`
	Count    int    `yaml:"count"`
	URL      string `yaml:"url"`
}

type VisualDef struct {
	URL    string    `yaml:"url"`
	Script []StepDef `yaml:"script"`
}

type RetryDef struct {
	Attempts  int `yaml:"attempts"`
	BackoffMS int `yaml:"backoff_ms"`
}

type AlarmDef struct {
	ID                 string   `yaml:"id"`
	Description        string   `yaml:"description"`
	ProbeID            string   `yaml:"probe_id"`
	PeriodSeconds      int      `yaml:"period_seconds"`
	EvaluationPeriods  int      `yaml:"evaluation_periods"`
	DatapointsToAlarm  int      `yaml:"datapoints_to_alarm"`
	ComparisonOperator string   `yaml:"comparison_operator"`
	Threshold          float64  `yaml:"threshold"`
	Topic              string   `yaml:"topic"`
	NotifyOn           []string `yaml:"notify_on"`
}

type TopicDef struct {
	Name        string          `yaml:"name"`
	Subscribers []SubscriberDef `yaml:"subscribers"`
}

type SubscriberDef struct {
	Kind      string `yaml:"kind"` // email | webhook | slack
	Address   string `yaml:"address"`
	SecretEnv string `yaml:"secret_env"` // env var holding the webhook signing key
}

// Secret resolves the signing key from the environment.
func (s SubscriberDef) Secret() string {
	if s.SecretEnv == "" {
		return ""
	}
	return os.Getenv(s.SecretEnv)
}

// LoadDefinitions reads a YAML definitions file, expands ${VAR} references
// from the environment, fills defaults and validates the result.
func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("definitions: read %q: %w", path, err)
	}
	return ParseDefinitions(data, os.Getenv)
}

func ParseDefinitions(data []byte, getenv func(string) string) (Definitions, error) {
	expanded := os.Expand(string(data), getenv)

	var defs Definitions
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		return Definitions{}, fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	defs.applyDefaults()
	if err := defs.Validate(); err != nil {
		return Definitions{}, err
	}
	return defs, nil
}

func (d *Definitions) applyDefaults() {
	for i := range d.Probes {
		p := &d.Probes[i]
		if p.Kind == "" {
			switch {
			case p.Visual != nil:
				p.Kind = "visual"
			default:
				p.Kind = "api"
			}
		}
		if p.RateSeconds == 0 {
			p.RateSeconds = 60
		}
		if p.TimeoutMS == 0 {
			p.TimeoutMS = 10000
			if rate := p.RateSeconds * 1000; rate > 0 && p.TimeoutMS > rate {
				p.TimeoutMS = rate
			}
		}
	}
	for i := range d.Alarms {
		a := &d.Alarms[i]
		if a.PeriodSeconds == 0 {
			a.PeriodSeconds = 60
		}
		if a.EvaluationPeriods == 0 {
			a.EvaluationPeriods = 1
		}
		if a.DatapointsToAlarm == 0 {
			a.DatapointsToAlarm = a.EvaluationPeriods
		}
		if a.ComparisonOperator == "" {
			a.ComparisonOperator = string(alarm.LessThan)
		}
		if len(a.NotifyOn) == 0 && a.Topic != "" {
			a.NotifyOn = []string{string(domain.StateAlarm), string(domain.StateOK)}
		}
	}
}

// Validate reports every problem at once.
func (d Definitions) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	probes := map[string]bool{}
	for i, p := range d.Probes {
		where := fmt.Sprintf("probes[%d]", i)
		if p.ID == "" {
			add("%s: id is required", where)
		} else if probes[p.ID] {
			add("%s: duplicate id %q", where, p.ID)
		}
		probes[p.ID] = true

		switch p.Kind {
		case "api":
			if p.API == nil || p.API.URL == "" {
				add("%s: api.url is required", where)
			} else if m := strings.ToUpper(p.API.Method); m != "" && m != "GET" && m != "HEAD" {
				add("%s: api.method %s is not read-only", where, p.API.Method)
			}
		case "visual":
			if p.Visual == nil || p.Visual.URL == "" {
				add("%s: visual.url is required", where)
			}
		default:
			add("%s: kind %q unknown: want api|visual", where, p.Kind)
		}
		if p.RateSeconds < 0 {
			add("%s: rate_seconds must be positive", where)
		}
		if p.TimeoutMS < 0 {
			add("%s: timeout_ms must not be negative", where)
		}
		if p.FaultRate < 0 || p.FaultRate > 1 {
			add("%s: fault_rate %v is outside [0, 1]", where, p.FaultRate)
		}
		if p.Retry != nil && (p.Retry.Attempts < 0 || p.Retry.BackoffMS < 0) {
			add("%s: retry values must not be negative", where)
		}
	}

	topics := map[string]bool{}
	for i, t := range d.Topics {
		where := fmt.Sprintf("topics[%d]", i)
		if t.Name == "" {
			add("%s: name is required", where)
		} else if topics[t.Name] {
			add("%s: duplicate name %q", where, t.Name)
		}
		topics[t.Name] = true
		for j, s := range t.Subscribers {
			sw := fmt.Sprintf("%s.subscribers[%d]", where, j)
			switch strings.ToLower(s.Kind) {
			case "email":
				if _, err := mail.ParseAddress(s.Address); err != nil {
					add("%s: invalid email address %q", sw, s.Address)
				}
			case "webhook", "slack":
				if !strings.HasPrefix(s.Address, "http://") && !strings.HasPrefix(s.Address, "https://") {
					add("%s: address must be an http(s) url", sw)
				}
			default:
				add("%s: kind %q unknown: want email|webhook|slack", sw, s.Kind)
			}
		}
	}

	alarms := map[string]bool{}
	for i, a := range d.Alarms {
		where := fmt.Sprintf("alarms[%d]", i)
		if a.ID == "" {
			add("%s: id is required", where)
		} else if alarms[a.ID] {
			add("%s: duplicate id %q", where, a.ID)
		}
		alarms[a.ID] = true
		if !probes[a.ProbeID] {
			add("%s: probe_id %q is not defined", where, a.ProbeID)
		}
		if a.PeriodSeconds <= 0 {
			add("%s: period_seconds must be positive", where)
		}
		if a.EvaluationPeriods < 1 {
			add("%s: evaluation_periods must be at least 1", where)
		}
		if a.DatapointsToAlarm < 1 || a.DatapointsToAlarm > a.EvaluationPeriods {
			add("%s: datapoints_to_alarm %d must be within [1, %d]", where, a.DatapointsToAlarm, a.EvaluationPeriods)
		}
		if _, err := alarm.ParseOperator(a.ComparisonOperator); err != nil {
			add("%s: %v", where, err)
		}
		if a.Threshold < 0 || a.Threshold > 100 {
			add("%s: threshold %v is outside [0, 100]", where, a.Threshold)
		}
		if a.Topic != "" && !topics[a.Topic] {
			add("%s: topic %q is not defined", where, a.Topic)
		}
		for _, s := range a.NotifyOn {
			if !domain.AlarmState(s).Valid() {
				add("%s: notify_on state %q unknown", where, s)
			}
		}
	}
	return errs
}

// DefaultDefinitions is the built-in canary pair: an API probe and a page
// probe, each with a "< 90%" alarm and an email topic.
func DefaultDefinitions(c Config) Definitions {
	rate := int(c.ProbeRate.Seconds())
	timeout := int(c.ProbeTimeout.Milliseconds())
	retry := &RetryDef{Attempts: c.RetryAttempts, BackoffMS: int(c.RetryBackoff.Milliseconds())}
	notify := []string{string(domain.StateAlarm), string(domain.StateOK)}
	email := []SubscriberDef{{Kind: "email", Address: c.NotificationEmail}}

	return Definitions{
		Probes: []ProbeDef{
			{
				ID: "actors-api-canary", Kind: "api", RateSeconds: rate, TimeoutMS: timeout,
				API: &APIDef{
					URL:            c.APIEndpoint(),
					Method:         "GET",
					ExpectedStatus: StatusRange{Min: 200, Max: 299},
					MinItems:       1,
				},
				Retry: retry, FaultRate: c.FaultRate,
			},
			{
				ID: "actors-visual-canary", Kind: "visual", RateSeconds: rate, TimeoutMS: timeout,
				Visual: &VisualDef{
					URL: c.WebsiteURL,
					Script: []StepDef{
						{Action: "wait_for", Selector: ".user-container"},
						{Action: "assert_text", Selector: "h2", Text: "GoT Actors"},
						{Action: "assert_absent", Selector: ".error-item"},
					},
				},
				Retry: retry, FaultRate: c.FaultRate,
			},
		},
		Alarms: []AlarmDef{
			{
				ID: "ActorsListAPICanaryAlarm", Description: "Actors API Canary Alarm",
				ProbeID: "actors-api-canary", PeriodSeconds: 60, EvaluationPeriods: 1, DatapointsToAlarm: 1,
				ComparisonOperator: "<", Threshold: 90, Topic: "ActorsAPICanaryTopic", NotifyOn: notify,
			},
			{
				ID: "ActorsListVisualCanaryAlarm", Description: "Actors Visual Canary Alarm",
				ProbeID: "actors-visual-canary", PeriodSeconds: 60, EvaluationPeriods: 1, DatapointsToAlarm: 1,
				ComparisonOperator: "<", Threshold: 90, Topic: "ActorsVisualCanaryTopic", NotifyOn: notify,
			},
		},
		Topics: []TopicDef{
			{Name: "ActorsAPICanaryTopic", Subscribers: email},
			{Name: "ActorsVisualCanaryTopic", Subscribers: email},
		},
	}
}
