package engine

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/hamed0406/canarywatch/internal/alarm"
	"github.com/hamed0406/canarywatch/internal/config"
	"github.com/hamed0406/canarywatch/internal/domain"
	"github.com/hamed0406/canarywatch/internal/notify"
	"github.com/hamed0406/canarywatch/internal/probe"
)

// Apply registers every topic, probe and alarm in defs, in that order so
// alarms can reference both. It keeps going after a failure and returns
// all of them.
func (e *Engine) Apply(defs config.Definitions) error {
	var errs error
	for _, td := range defs.Topics {
		subs := make([]notify.Subscriber, 0, len(td.Subscribers))
		var subErr error
		for _, sd := range td.Subscribers {
			s, err := notify.NewSubscriber(notify.SubscriberConfig{
				Kind:    sd.Kind,
				Address: sd.Address,
				Secret:  sd.Secret(),
			}, e.smtp)
			if err != nil {
				subErr = multierr.Append(subErr, fmt.Errorf("%w: topic %s: %w", ErrInvalidConfig, td.Name, err))
				continue
			}
			subs = append(subs, s)
		}
		if subErr != nil {
			errs = multierr.Append(errs, subErr)
			continue
		}
		errs = multierr.Append(errs, e.RegisterTopic(td.Name, subs...))
	}

	for i, pd := range defs.Probes {
		p, err := e.BuildProbe(pd, int64(i))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		interval := time.Duration(pd.RateSeconds) * time.Second
		timeout := time.Duration(pd.TimeoutMS) * time.Millisecond
		errs = multierr.Append(errs, e.registerProbe(domain.ProbeID(pd.ID), pd.Kind, p, interval, timeout))
	}

	for _, ad := range defs.Alarms {
		cfg, err := AlarmConfig(ad)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := e.RegisterAlarm(cfg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// BuildProbe turns a probe definition into a runnable probe wrapped in its
// retry and fault-injection decorators. Faults wrap retries so the
// configured rate applies to whole runs.
func (e *Engine) BuildProbe(pd config.ProbeDef, salt int64) (probe.Probe, error) {
	timeout := time.Duration(pd.TimeoutMS) * time.Millisecond

	var (
		p   probe.Probe
		err error
	)
	switch pd.Kind {
	case "api":
		if pd.API == nil {
			return nil, fmt.Errorf("%w: probe %s: missing api section", ErrInvalidConfig, pd.ID)
		}
		p, err = probe.NewAPIProbe(probe.APITarget{
			URL:            pd.API.URL,
			Method:         pd.API.Method,
			StatusMin:      pd.API.ExpectedStatus.Min,
			StatusMax:      pd.API.ExpectedStatus.Max,
			Headers:        pd.API.Headers,
			BodyContains:   pd.API.BodyContains,
			ExpectJSONKeys: pd.API.ExpectJSONKeys,
			MinItems:       pd.API.MinItems,
		}, timeout)
	case "visual":
		if pd.Visual == nil {
			return nil, fmt.Errorf("%w: probe %s: missing visual section", ErrInvalidConfig, pd.ID)
		}
		steps := make([]probe.Step, 0, len(pd.Visual.Script))
		for _, s := range pd.Visual.Script {
			steps = append(steps, probe.Step{
				Action:   s.Action,
				Selector: s.Selector,
				Text:     s.Text,
				Count:    s.Count,
				URL:      s.URL,
			})
		}
		p, err = probe.NewVisualProbe(probe.VisualTarget{
			Name:   pd.ID,
			URL:    pd.Visual.URL,
			Script: steps,
		}, e.browser, e.artifacts)
	default:
		return nil, fmt.Errorf("%w: probe %s: unknown kind %q", ErrInvalidConfig, pd.ID, pd.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: probe %s: %w", ErrInvalidConfig, pd.ID, err)
	}

	if pd.Retry != nil && pd.Retry.Attempts > 1 {
		p = &probe.RetryProbe{
			Inner:    p,
			Attempts: pd.Retry.Attempts,
			Backoff:  time.Duration(pd.Retry.BackoffMS) * time.Millisecond,
		}
	}
	if pd.FaultRate > 0 {
		seed := e.faultSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		p = probe.NewFaultInjector(p, pd.FaultRate, seed+salt)
	}
	return p, nil
}

// AlarmConfig converts an alarm definition.
func AlarmConfig(ad config.AlarmDef) (alarm.Config, error) {
	op, err := alarm.ParseOperator(ad.ComparisonOperator)
	if err != nil {
		return alarm.Config{}, fmt.Errorf("%w: alarm %s: %w", ErrInvalidConfig, ad.ID, err)
	}
	notifyOn := make([]domain.AlarmState, 0, len(ad.NotifyOn))
	for _, s := range ad.NotifyOn {
		notifyOn = append(notifyOn, domain.AlarmState(s))
	}
	return alarm.Config{
		ID:                domain.AlarmID(ad.ID),
		Description:       ad.Description,
		ProbeID:           domain.ProbeID(ad.ProbeID),
		Period:            time.Duration(ad.PeriodSeconds) * time.Second,
		EvaluationPeriods: ad.EvaluationPeriods,
		DatapointsToAlarm: ad.DatapointsToAlarm,
		Operator:          op,
		Threshold:         ad.Threshold,
		Topic:             ad.Topic,
		NotifyOn:          notifyOn,
	}, nil
}
