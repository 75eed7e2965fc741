package classify

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/aria/internal/incident"
)

//go:embed rules.yaml
var defaultRules []byte

// Signal sources understood by the enricher.
const (
	SourcePrometheus = "prometheus"
	SourceLoki       = "loki"
)

// Thresholds are the minimum scores for each severity. Scores below Medium
// are low; low scores below IgnoreBelow are recommended for ignore.
type Thresholds struct {
	Critical    int `yaml:"critical" json:"critical"`
	High        int `yaml:"high" json:"high"`
	Medium      int `yaml:"medium" json:"medium"`
	IgnoreBelow int `yaml:"ignore_below" json:"ignore_below"`
}

// Signal is an external measurement fetched for a report before classification.
type Signal struct {
	Name       string
	Source     string
	Query      string
	Categories []incident.Category
}

// AppliesTo reports whether the signal should be fetched for category c.
// A signal with no categories applies to every report.
func (s Signal) AppliesTo(c incident.Category) bool {
	if len(s.Categories) == 0 {
		return true
	}
	for _, sc := range s.Categories {
		if sc == c {
			return true
		}
	}
	return false
}

// raw YAML shapes

type rawRuleSet struct {
	Version    string                 `yaml:"version"`
	Thresholds Thresholds             `yaml:"thresholds"`
	Categories map[string]rawCategory `yaml:"categories"`
	Rules      []rawRule              `yaml:"rules"`
	Signals    []rawSignal            `yaml:"signals"`
}

type rawCategory struct {
	Base     int      `yaml:"base"`
	Playbook []string `yaml:"playbook"`
}

type rawRule struct {
	ID               string   `yaml:"id"`
	Description      string   `yaml:"description"`
	Points           int      `yaml:"points"`
	Categories       []string `yaml:"categories"`
	Keywords         []string `yaml:"keywords"`
	Pattern          string   `yaml:"pattern"`
	AssetPattern     string   `yaml:"asset_pattern"`
	Tags             []string `yaml:"tags"`
	MinAffectedUsers int      `yaml:"min_affected_users"`
	Signal           string   `yaml:"signal"`
	SignalGTE        *float64 `yaml:"signal_gte"`
}

type rawSignal struct {
	Name       string   `yaml:"name"`
	Source     string   `yaml:"source"`
	Query      string   `yaml:"query"`
	Categories []string `yaml:"categories"`
}

type categoryProfile struct {
	base     int
	playbook []string
}

type rule struct {
	id          string
	description string
	points      int

	categories   map[incident.Category]bool
	keywords     []string
	pattern      *regexp.Regexp
	assetPattern *regexp.Regexp
	tags         map[string]bool
	minAffected  int
	signal       string
	signalGTE    float64
}

// RuleSet is a validated, compiled set of classification rules. It is
// immutable after loading and safe for concurrent use.
type RuleSet struct {
	version    string
	thresholds Thresholds
	categories map[incident.Category]categoryProfile
	rules      []rule
	signals    []Signal
}

// Default returns the rule set embedded in the binary.
func Default() (*RuleSet, error) {
	rs, err := Load(bytes.NewReader(defaultRules))
	if err != nil {
		return nil, fmt.Errorf("default rules: %w", err)
	}
	return rs, nil
}

// LoadFile reads a rule set from path.
func LoadFile(path string) (*RuleSet, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer func() { _ = f.Close() }()

	rs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Load parses and validates a YAML rule set.
func Load(r io.Reader) (*RuleSet, error) {
	var raw rawRuleSet
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse rules: empty document")
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return compile(&raw)
}

func compile(raw *rawRuleSet) (*RuleSet, error) {
	var errs []error

	rs := &RuleSet{
		version:    strings.TrimSpace(raw.Version),
		thresholds: raw.Thresholds,
		categories: make(map[incident.Category]categoryProfile, len(raw.Categories)),
	}
	if rs.version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	errs = append(errs, raw.Thresholds.validate()...)

	for name, rc := range raw.Categories {
		c, ok := incident.ParseCategory(name)
		if !ok {
			errs = append(errs, fmt.Errorf("categories: unknown category %q", name))
			continue
		}
		if rc.Base < 0 || rc.Base > 100 {
			errs = append(errs, fmt.Errorf("categories.%s.base must be between 0 and 100", name))
		}
		rs.categories[c] = categoryProfile{base: rc.Base, playbook: append([]string(nil), rc.Playbook...)}
	}

	signalNames := make(map[string]bool, len(raw.Signals))
	for i, rsig := range raw.Signals {
		sig, err := compileSignal(rsig)
		if err != nil {
			errs = append(errs, fmt.Errorf("signals[%d]: %w", i, err))
			continue
		}
		if signalNames[sig.Name] {
			errs = append(errs, fmt.Errorf("signals[%d]: duplicate name %q", i, sig.Name))
			continue
		}
		signalNames[sig.Name] = true
		rs.signals = append(rs.signals, sig)
	}

	ids := make(map[string]bool, len(raw.Rules))
	for i := range raw.Rules {
		ru, err := compileRule(&raw.Rules[i], signalNames)
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		if ids[ru.id] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, ru.id))
			continue
		}
		ids[ru.id] = true
		rs.rules = append(rs.rules, ru)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}
	return rs, nil
}

func (t Thresholds) validate() []error {
	var errs []error
	if t.Critical > 100 {
		errs = append(errs, errors.New("thresholds.critical must be at most 100"))
	}
	if t.IgnoreBelow < 0 {
		errs = append(errs, errors.New("thresholds.ignore_below must not be negative"))
	}
	if t.Medium <= 0 || t.Medium >= t.High || t.High >= t.Critical {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < medium < high < critical (got %d, %d, %d)", t.Medium, t.High, t.Critical))
	}
	if t.IgnoreBelow > t.Medium {
		errs = append(errs, errors.New("thresholds.ignore_below must not exceed medium"))
	}
	return errs
}

func compileSignal(rs rawSignal) (Signal, error) {
	sig := Signal{
		Name:   strings.TrimSpace(rs.Name),
		Source: strings.ToLower(strings.TrimSpace(rs.Source)),
		Query:  strings.TrimSpace(rs.Query),
	}
	if sig.Name == "" {
		return sig, errors.New("name is required")
	}
	if sig.Source != SourcePrometheus && sig.Source != SourceLoki {
		return sig, fmt.Errorf("signal %q: source must be %q or %q", sig.Name, SourcePrometheus, SourceLoki)
	}
	if sig.Query == "" {
		return sig, fmt.Errorf("signal %q: query is required", sig.Name)
	}
	for _, name := range rs.Categories {
		c, ok := incident.ParseCategory(name)
		if !ok {
			return sig, fmt.Errorf("signal %q: unknown category %q", sig.Name, name)
		}
		sig.Categories = append(sig.Categories, c)
	}
	return sig, nil
}

func compileRule(rr *rawRule, signals map[string]bool) (rule, error) {
	ru := rule{
		id:          strings.TrimSpace(rr.ID),
		description: strings.TrimSpace(rr.Description),
		points:      rr.Points,
		minAffected: rr.MinAffectedUsers,
		signal:      strings.TrimSpace(rr.Signal),
	}
	if ru.id == "" {
		return ru, errors.New("id is required")
	}
	if ru.points == 0 {
		return ru, fmt.Errorf("rule %q: points must be non-zero", ru.id)
	}
	if ru.minAffected < 0 {
		return ru, fmt.Errorf("rule %q: min_affected_users must not be negative", ru.id)
	}

	if len(rr.Categories) > 0 {
		ru.categories = make(map[incident.Category]bool, len(rr.Categories))
		for _, name := range rr.Categories {
			c, ok := incident.ParseCategory(name)
			if !ok {
				return ru, fmt.Errorf("rule %q: unknown category %q", ru.id, name)
			}
			ru.categories[c] = true
		}
	}

	for _, kw := range rr.Keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			ru.keywords = append(ru.keywords, kw)
		}
	}

	var err error
	if rr.Pattern != "" {
		if ru.pattern, err = regexp.Compile(rr.Pattern); err != nil {
			return ru, fmt.Errorf("rule %q: pattern: %w", ru.id, err)
		}
	}
	if rr.AssetPattern != "" {
		if ru.assetPattern, err = regexp.Compile(rr.AssetPattern); err != nil {
			return ru, fmt.Errorf("rule %q: asset_pattern: %w", ru.id, err)
		}
	}

	if len(rr.Tags) > 0 {
		ru.tags = make(map[string]bool, len(rr.Tags))
		for _, tag := range rr.Tags {
			ru.tags[strings.ToLower(strings.TrimSpace(tag))] = true
		}
	}

	switch {
	case ru.signal != "" && rr.SignalGTE == nil:
		return ru, fmt.Errorf("rule %q: signal_gte is required with signal", ru.id)
	case ru.signal == "" && rr.SignalGTE != nil:
		return ru, fmt.Errorf("rule %q: signal_gte requires signal", ru.id)
	case ru.signal != "":
		if !signals[ru.signal] {
			return ru, fmt.Errorf("rule %q: undeclared signal %q", ru.id, ru.signal)
		}
		ru.signalGTE = *rr.SignalGTE
	}

	if len(ru.keywords) == 0 && ru.pattern == nil && ru.assetPattern == nil &&
		len(ru.tags) == 0 && ru.minAffected == 0 && ru.signal == "" {
		return ru, fmt.Errorf("rule %q: at least one matcher is required", ru.id)
	}
	return ru, nil
}

// Version identifies the rule set in assessments.
func (rs *RuleSet) Version() string { return rs.version }

// Thresholds returns the severity thresholds.
func (rs *RuleSet) Thresholds() Thresholds { return rs.thresholds }

// RuleCount returns the number of compiled rules.
func (rs *RuleSet) RuleCount() int { return len(rs.rules) }

// Signals returns the declared signals applicable to category c, in file order.
func (rs *RuleSet) Signals(c incident.Category) []Signal {
	var out []Signal
	for _, s := range rs.signals {
		if s.AppliesTo(c) {
			out = append(out, s)
		}
	}
	return out
}

// AllSignals returns every declared signal in file order.
func (rs *RuleSet) AllSignals() []Signal {
	return append([]Signal(nil), rs.signals...)
}

// Playbook returns a copy of the recommended steps for category c.
func (rs *RuleSet) Playbook(c incident.Category) []string {
	return append([]string(nil), rs.categories[c].playbook...)
}

// subject is the view of a normalized report that rules match against.
type subject struct {
	report  *incident.Report
	text    string // title and description
	lower   string
	signals map[string]float64
}

// matches reports whether every matcher present on the rule accepts the subject.
func (ru *rule) matches(s *subject) bool {
	r := s.report
	if ru.categories != nil && !ru.categories[r.Category] {
		return false
	}
	if len(ru.keywords) > 0 {
		found := false
		for _, kw := range ru.keywords {
			if strings.Contains(s.lower, kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if ru.pattern != nil && !ru.pattern.MatchString(s.text) {
		return false
	}
	if ru.assetPattern != nil && !ru.assetPattern.MatchString(r.Asset) {
		return false
	}
	if ru.tags != nil {
		found := false
		for _, tag := range r.Tags {
			if ru.tags[strings.ToLower(tag)] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if ru.minAffected > 0 && r.AffectedUsers < ru.minAffected {
		return false
	}
	if ru.signal != "" {
		v, ok := s.signals[ru.signal]
		if !ok || v < ru.signalGTE {
			return false
		}
	}
	return true
}
