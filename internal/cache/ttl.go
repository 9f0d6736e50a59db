package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rshade/esctl/internal/logging"
)

// DefaultTTLSeconds applies when no policy rule matches.
const DefaultTTLSeconds = 300

// MaxTTLSeconds caps policy values; larger ones in the file are clamped.
const MaxTTLSeconds = math.MaxInt32

// queryFragmentSuffix lets a rule also match a query string and fragment.
const queryFragmentSuffix = `(\?.*)?(#.*)?`

// Policy errors.
var (
	ErrPolicyCorrupted = errors.New("TTL policy file corrupted")
	ErrInvalidTTL      = errors.New("TTL must be zero or a positive number of seconds")
	ErrInvalidPattern  = errors.New("invalid TTL pattern")
)

// Rule maps a regular expression over "<METHOD> <TARGET>" to a TTL.
type Rule struct {
	Pattern string
	TTL     int
}

// SetResult reports what SetTTL wrote. Previous is nil when the pattern is new.
type SetResult struct {
	Pattern  string
	TTL      int
	Previous *int
}

// Policy resolves TTLs from a JSON object of pattern to seconds. Rules are
// tried in file order and the first match wins.
type Policy struct {
	path string

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
}

// NewPolicy returns a policy backed by the file at path. The file need not exist.
func NewPolicy(path string) *Policy {
	return &Policy{path: path, compiled: make(map[string]*regexp.Regexp)}
}

// Path returns the policy file location.
func (p *Policy) Path() string {
	return p.path
}

// BuildPattern returns the anchored pattern SetTTL stores for an endpoint.
// The target is used as written so operators can put expressions in it.
func BuildPattern(method, target string, matchQueryAndFragment bool) string {
	suffix := ""
	if matchQueryAndFragment {
		suffix = queryFragmentSuffix
	}
	return "^" + strings.ToUpper(method) + " " + target + suffix + "$"
}

// Signature is the string rules are matched against.
func Signature(method, target string) string {
	return strings.ToUpper(method) + " " + target
}

// Load reads the rules in file order. A missing or empty file has no rules.
func (p *Policy) Load() ([]Rule, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading TTL policy: %w", err)
	}
	return parseRules(data)
}

// Resolve returns the TTL for signature. The file is re-read on every call;
// an unreadable or malformed file counts as having no rules.
func (p *Policy) Resolve(ctx context.Context, signature string) int {
	log := logging.FromContext(ctx)

	rules, err := p.Load()
	if err != nil {
		log.Warn().
			Ctx(ctx).
			Str("component", "cache").
			Str("operation", "resolve_ttl").
			Str("path", p.path).
			Err(err).
			Msg("ignoring TTL policy file")
		return DefaultTTLSeconds
	}

	for _, rule := range rules {
		re, compileErr := p.compile(rule.Pattern)
		if compileErr != nil {
			log.Warn().
				Ctx(ctx).
				Str("component", "cache").
				Str("pattern", rule.Pattern).
				Err(compileErr).
				Msg("skipping TTL rule with invalid pattern")
			continue
		}
		if re.MatchString(signature) {
			return rule.TTL
		}
	}
	return DefaultTTLSeconds
}

// SetTTL adds or overwrites the rule for an endpoint. An existing rule keeps
// its position; a new one is appended so it is tried last.
func (p *Policy) SetTTL(method, target string, ttl int, matchQueryAndFragment bool) (SetResult, error) {
	if ttl < 0 || ttl > MaxTTLSeconds {
		return SetResult{}, fmt.Errorf("%w: got %d", ErrInvalidTTL, ttl)
	}
	pattern := BuildPattern(method, target, matchQueryAndFragment)
	if _, err := p.compile(pattern); err != nil {
		return SetResult{}, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}

	result := SetResult{Pattern: pattern, TTL: ttl}
	err := p.update(func(rules []Rule) []Rule {
		for i := range rules {
			if rules[i].Pattern == pattern {
				prev := rules[i].TTL
				result.Previous = &prev
				rules[i].TTL = ttl
				return rules
			}
		}
		return append(rules, Rule{Pattern: pattern, TTL: ttl})
	})
	if err != nil {
		return SetResult{}, err
	}
	return result, nil
}

// Remove deletes the rule with exactly this pattern. It reports whether a
// rule was removed.
func (p *Policy) Remove(pattern string) (bool, error) {
	removed := false
	err := p.update(func(rules []Rule) []Rule {
		out := rules[:0]
		for _, r := range rules {
			if r.Pattern == pattern {
				removed = true
				continue
			}
			out = append(out, r)
		}
		return out
	})
	return removed, err
}

// update runs fn over the current rules under the file lock and writes the
// result atomically.
func (p *Policy) update(fn func([]Rule) []Rule) error {
	unlock, err := acquireFileLock(p.path)
	if err != nil {
		return fmt.Errorf("acquiring file lock: %w", err)
	}
	defer unlock()

	rules, err := p.Load()
	if err != nil {
		return err
	}
	data := encodeRules(fn(rules))

	if err = os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return fmt.Errorf("creating TTL policy directory: %w", err)
	}
	tmpPath := p.path + ".tmp"
	if err = os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing TTL policy temp file: %w", err)
	}
	if err = os.Rename(tmpPath, p.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming TTL policy temp file: %w", err)
	}
	return nil
}

func (p *Policy) compile(pattern string) (*regexp.Regexp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if re, ok := p.compiled[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	p.compiled[pattern] = re
	return re, nil
}

// parseRules decodes a JSON object keeping key order, which a Go map would lose.
func parseRules(data []byte) ([]Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPolicyCorrupted, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrPolicyCorrupted)
	}

	var rules []Rule
	index := make(map[string]int)
	for dec.More() {
		keyTok, keyErr := dec.Token()
		if keyErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrPolicyCorrupted, keyErr)
		}
		pattern, _ := keyTok.(string)

		var n json.Number
		if err = dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("%w: value for %q: %w", ErrPolicyCorrupted, pattern, err)
		}
		ttl, convErr := numberToSeconds(n)
		if convErr != nil {
			return nil, fmt.Errorf("%w: value for %q: %w", ErrPolicyCorrupted, pattern, convErr)
		}

		// A repeated key keeps its first position and its last value.
		if i, dup := index[pattern]; dup {
			rules[i].TTL = ttl
			continue
		}
		index[pattern] = len(rules)
		rules = append(rules, Rule{Pattern: pattern, TTL: ttl})
	}

	if _, err = dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPolicyCorrupted, err)
	}
	if _, err = dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrPolicyCorrupted)
	}
	return rules, nil
}

func numberToSeconds(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return int(max(min(i, MaxTTLSeconds), -MaxTTLSeconds)), nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) {
		return 0, fmt.Errorf("not a number: %s", n)
	}
	return int(max(min(f, MaxTTLSeconds), -MaxTTLSeconds)), nil
}

// encodeRules writes the rules as an indented JSON object in order.
func encodeRules(rules []Rule) []byte {
	var buf bytes.Buffer
	if len(rules) == 0 {
		buf.WriteString("{}\n")
		return buf.Bytes()
	}
	buf.WriteString("{\n")
	for i, r := range rules {
		key, _ := json.Marshal(r.Pattern)
		fmt.Fprintf(&buf, "  %s: %d", key, r.TTL)
		if i < len(rules)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}
