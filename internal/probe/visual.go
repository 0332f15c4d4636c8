package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
)

// Step actions understood by VisualProbe.
const (
	ActionNavigate     = "navigate"
	ActionWaitFor      = "wait_for"
	ActionAssertText   = "assert_text"
	ActionAssertCount  = "assert_count"
	ActionAssertAbsent = "assert_absent"
	ActionClick        = "click"
)

// Step is one scripted interaction.
//
//	navigate      URL (relative to the current page, or the probe URL when empty)
//	wait_for      Selector appears before the run deadline
//	assert_text   Selector's text contains Text
//	assert_count  Selector matches at least Count elements
//	assert_absent Selector matches nothing
//	click         follow the href of the first Selector match
type Step struct {
	Action   string `yaml:"action" json:"action"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Text     string `yaml:"text,omitempty" json:"text,omitempty"`
	Count    int    `yaml:"count,omitempty" json:"count,omitempty"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
}

func (s Step) validate() error {
	switch s.Action {
	case ActionNavigate:
		return nil
	case ActionWaitFor, ActionAssertAbsent, ActionClick:
	case ActionAssertText:
		if s.Text == "" {
			return fmt.Errorf("%w: %s needs text", ErrInvalidTarget, s.Action)
		}
	case ActionAssertCount:
		if s.Count < 1 {
			return fmt.Errorf("%w: %s needs count >= 1", ErrInvalidTarget, s.Action)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTarget, s.Action)
	}
	if s.Selector == "" {
		return fmt.Errorf("%w: %s needs a selector", ErrInvalidTarget, s.Action)
	}
	// goquery matches nothing on a bad selector, which would pass assert_absent
	if _, err := cascadia.Compile(s.Selector); err != nil {
		return fmt.Errorf("%w: %s selector %q: %v", ErrInvalidTarget, s.Action, s.Selector, err)
	}
	return nil
}

// VisualTarget is a page plus the script run against it. The script always
// starts by loading URL.
type VisualTarget struct {
	Name   string
	URL    string
	Script []Step
}

func (t VisualTarget) Validate() error {
	if !isHTTPURL(t.URL) {
		return fmt.Errorf("%w: url %q", ErrInvalidTarget, t.URL)
	}
	for i, s := range t.Script {
		if err := s.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

// VisualProbe drives a Browser through a script and stores a snapshot of
// the final page whether or not the script passed.
type VisualProbe struct {
	Target       VisualTarget
	Browser      Browser
	Artifacts    ArtifactSink // optional
	PollInterval time.Duration
	now          func() time.Time
}

func NewVisualProbe(t VisualTarget, b Browser, sink ArtifactSink) (*VisualProbe, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: nil browser", ErrInvalidTarget)
	}
	return &VisualProbe{
		Target:       t,
		Browser:      b,
		Artifacts:    sink,
		PollInterval: 250 * time.Millisecond,
		now:          time.Now,
	}, nil
}

func (p *VisualProbe) Run(ctx context.Context) Result {
	start := time.Now()
	sess, err := p.Browser.NewSession(ctx)
	if err != nil {
		return failed(start, 0, "open session: "+err.Error())
	}
	defer sess.Close()

	res := Result{Success: true}
	steps := append([]Step{{Action: ActionNavigate, URL: p.Target.URL}}, p.Target.Script...)
	for i, st := range steps {
		if err := p.step(ctx, sess, st); err != nil {
			res.Success = false
			res.Error = fmt.Sprintf("step %d (%s): %v", i, st.Action, err)
			break
		}
	}
	res.DurationMS = sinceMS(start)

	if p.Artifacts != nil {
		res.ArtifactURI, res.ArtifactError = p.capture(ctx, sess, res.Success)
	}
	return res
}

func (p *VisualProbe) step(ctx context.Context, sess Session, st Step) error {
	switch st.Action {
	case ActionNavigate:
		u := st.URL
		if u == "" {
			u = p.Target.URL
		}
		return sess.Navigate(ctx, u)

	case ActionWaitFor:
		for {
			n, err := sess.Count(st.Selector)
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%q never appeared: %w", st.Selector, ctx.Err())
			case <-time.After(p.PollInterval):
			}
			if err := sess.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("%q never appeared: %w", st.Selector, ctx.Err())
				}
				return err
			}
		}

	case ActionAssertText:
		got, err := sess.Text(st.Selector)
		if err != nil {
			return err
		}
		if !strings.Contains(got, st.Text) {
			return fmt.Errorf("%q text %q does not contain %q", st.Selector, truncate(got, 80), st.Text)
		}
		return nil

	case ActionAssertCount:
		n, err := sess.Count(st.Selector)
		if err != nil {
			return err
		}
		if n < st.Count {
			return fmt.Errorf("%q matched %d elements, want at least %d", st.Selector, n, st.Count)
		}
		return nil

	case ActionAssertAbsent:
		n, err := sess.Count(st.Selector)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%q matched %d elements, want none", st.Selector, n)
		}
		return nil

	case ActionClick:
		href, ok, err := sess.Attr(st.Selector, "href")
		if err != nil {
			return err
		}
		if !ok || href == "" {
			return fmt.Errorf("%q has no link to follow", st.Selector)
		}
		return sess.Navigate(ctx, href)
	}
	return fmt.Errorf("unknown action %q", st.Action)
}

func (p *VisualProbe) capture(ctx context.Context, sess Session, ok bool) (uri, errMsg string) {
	data, ct, err := sess.Snapshot()
	if err != nil {
		return "", "snapshot: " + err.Error()
	}
	status := "pass"
	if !ok {
		status = "fail"
	}
	name := p.Target.Name
	if name == "" {
		name = hostOf(p.Target.URL)
	}
	key := fmt.Sprintf("%s/%s-%s.html", name, p.now().UTC().Format("20060102T150405.000Z"), status)

	// storage gets its own budget so a slow script does not lose its evidence
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	uri, err = p.Artifacts.Store(sctx, key, ct, data)
	if err != nil {
		return "", "store artifact: " + err.Error()
	}
	return uri, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
