// Package detection matches guest processes against Sigma rules and
// reports hits as in-memory detection events.
package detection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
)

// Sink receives a message for every rule hit.
type Sink interface {
	SendInMemDetectionEvent(message string)
}

// ProcessLookup resolves parent processes.
type ProcessLookup interface {
	ProcessByPid(pid uint32) (*guestos.ProcessInformation, error)
}

// Match is a rule hit on one process.
type Match struct {
	RuleID     string
	Title      string
	Level      string
	Pid        uint32
	Image      string
	Conditions []string
}

func (m Match) String() string {
	msg := fmt.Sprintf("rule %s (%s, %s) matched pid %d %s", m.RuleID, m.Title, m.Level, m.Pid, m.Image)
	if len(m.Conditions) > 0 {
		msg += " [" + strings.Join(m.Conditions, ", ") + "]"
	}
	return msg
}

type rule struct {
	file string
	eval *evaluator.RuleEvaluator
}

// Detector evaluates every loaded rule against processes it is shown. It
// implements guestos.Listener so new processes are checked as they start.
type Detector struct {
	dir    string
	sink   Sink
	lookup ProcessLookup
	log    logflags.Logger

	mu    sync.RWMutex
	rules []rule

	watcher *fsnotify.Watcher
}

// fieldMappings are the event fields rules may refer to.
var fieldMappings = sigma.Config{
	Title: "vmicore process events",
	FieldMappings: map[string]sigma.FieldMapping{
		"Image":            {TargetNames: []string{"Image"}},
		"OriginalFileName": {TargetNames: []string{"ProcessName"}},
		"ProcessName":      {TargetNames: []string{"ProcessName"}},
		"ProcessId":        {TargetNames: []string{"ProcessId"}},
		"ParentImage":      {TargetNames: []string{"ParentImage"}},
		"ParentProcessId":  {TargetNames: []string{"ParentProcessId"}},
	},
}

// NewDetector loads the rules in dir and starts watching it for changes.
// Changes are applied once Watch runs. lookup may be nil, in which case
// the parent image is never known.
func NewDetector(dir string, sink Sink, lookup ProcessLookup) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("could not create rule watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("could not watch rules directory %s: %w", dir, err)
	}
	d := &Detector{
		dir:     dir,
		sink:    sink,
		lookup:  lookup,
		log:     logflags.DetectionLogger(),
		watcher: watcher,
	}
	if _, err := d.LoadRules(); err != nil {
		watcher.Close()
		return nil, err
	}
	return d, nil
}

// LoadRules replaces the loaded rules with the rule files found in the rules
// directory. Files that are not valid Sigma rules are skipped.
func (d *Detector) LoadRules() (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("could not read rules directory: %w", err)
	}
	var rules []rule
	for _, entry := range entries {
		if entry.IsDir() || !isRuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		r, err := parseRule(path)
		if err != nil {
			d.log.WithError(err).Warnf("skipping rule file %s", path)
			continue
		}
		d.log.Debugf("loaded rule %s (%s)", r.eval.Rule.Title, r.eval.Rule.ID)
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].file < rules[j].file })

	d.mu.Lock()
	d.rules = rules
	d.mu.Unlock()
	d.log.Infof("loaded %d Sigma rules from %s", len(rules), d.dir)
	return len(rules), nil
}

// Rules returns the number of loaded rules.
func (d *Detector) Rules() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rules)
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

func parseRule(path string) (rule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return rule{}, err
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		return rule{}, errors.New("not a Sigma rule")
	}
	parsed, err := sigma.ParseRule(content)
	if err != nil {
		return rule{}, err
	}
	if parsed.ID == "" {
		parsed.ID = filepath.Base(path)
	}
	eval := evaluator.ForRule(parsed,
		evaluator.WithConfig(fieldMappings),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		// Process events are matched one at a time, aggregations never fire.
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}))
	return rule{file: path, eval: eval}, nil
}

// Watch reloads the rules whenever a rule file in the directory changes.
// It returns when ctx is done or the watcher is closed.
func (d *Detector) Watch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.log.Debugf("rule file %s changed (%s)", event.Name, event.Op)
			if _, err := d.LoadRules(); err != nil {
				d.log.WithError(err).Error("could not reload rules")
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.log.WithError(err).Warn("rule watcher error")
		}
	}
}

// Close stops watching the rules directory.
func (d *Detector) Close() error {
	return d.watcher.Close()
}

func (d *Detector) event(p *guestos.ProcessInformation) map[string]interface{} {
	ev := map[string]interface{}{
		"Image":           image(p),
		"ProcessName":     p.Name,
		"ProcessId":       strconv.FormatUint(uint64(p.Pid), 10),
		"ParentProcessId": strconv.FormatUint(uint64(p.ParentPid), 10),
	}
	if p.FullName != "" {
		ev["ProcessName"] = p.FullName
	}
	if d.lookup != nil {
		if parent, err := d.lookup.ProcessByPid(p.ParentPid); err == nil {
			ev["ParentImage"] = image(parent)
		}
	}
	return ev
}

func image(p *guestos.ProcessInformation) string {
	if p.Path != "" {
		return p.Path
	}
	return p.Name
}

// Check evaluates every rule against p and reports each hit to the sink.
func (d *Detector) Check(ctx context.Context, p *guestos.ProcessInformation) []Match {
	ev := d.event(p)
	d.mu.RLock()
	rules := d.rules
	d.mu.RUnlock()

	var matches []Match
	for _, r := range rules {
		result, err := r.eval.Matches(ctx, ev)
		if err != nil {
			d.log.WithError(err).Warnf("could not evaluate rule %s", r.eval.Rule.ID)
			continue
		}
		if !result.Match {
			continue
		}
		var conditions []string
		for name, hit := range result.SearchResults {
			if hit {
				conditions = append(conditions, name)
			}
		}
		sort.Strings(conditions)
		m := Match{
			RuleID:     r.eval.Rule.ID,
			Title:      r.eval.Rule.Title,
			Level:      r.eval.Rule.Level,
			Pid:        p.Pid,
			Image:      ev["Image"].(string),
			Conditions: conditions,
		}
		d.log.WithFields(logflags.Fields{"rule": m.RuleID, "pid": m.Pid}).Warn(m.String())
		if d.sink != nil {
			d.sink.SendInMemDetectionEvent(m.String())
		}
		matches = append(matches, m)
	}
	return matches
}

// Scan checks every process in ps.
func (d *Detector) Scan(ctx context.Context, ps []*guestos.ProcessInformation) []Match {
	var matches []Match
	for _, p := range ps {
		matches = append(matches, d.Check(ctx, p)...)
	}
	return matches
}

func (d *Detector) OnProcessStart(p *guestos.ProcessInformation) {
	d.Check(context.Background(), p)
}

func (d *Detector) OnProcessTermination(p *guestos.ProcessInformation) {}
