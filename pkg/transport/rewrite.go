package transport

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// RewriteMode selects how request paths are rewritten before they leave.
type RewriteMode string

const (
	RewriteNone        RewriteMode = "none"
	RewriteStripPrefix RewriteMode = "strip_prefix"
	RewriteRules       RewriteMode = "rewrite"
)

// RewriteOptions configures the Rewrite stage.
type RewriteOptions struct {
	Mode        string
	StripPrefix string
	Rules       []RewriteRule
}

// RewriteRule maps a path prefix (or a regular expression) to a replacement.
type RewriteRule struct {
	Name    string
	Match   string
	Replace string
	Regex   bool
}

type pathRewriter struct {
	mode        RewriteMode
	stripPrefix string
	rules       []compiledRule
}

type compiledRule struct {
	name    string
	match   string
	replace string
	expr    *regexp.Regexp
}

// Rewrite returns a stage applying opts to req.URL.Path, or nil when opts
// leave paths untouched.
func Rewrite(opts RewriteOptions, log Logger) Stage {
	rw := newPathRewriter(opts, orNop(log))
	if rw == nil {
		return nil
	}
	log = orNop(log)
	return func(req *http.Request, next Next) (*http.Response, error) {
		resolved, rule := rw.resolve(req.URL.Path)
		if rule == "" {
			return next(req)
		}
		log.Debug("Path rewrite applied",
			"rule", rule,
			"original_path", req.URL.Path,
			"resolved_path", resolved,
		)
		out := req.Clone(req.Context())
		out.URL.Path = resolved
		out.URL.RawPath = ""
		return next(out)
	}
}

func newPathRewriter(opts RewriteOptions, log Logger) *pathRewriter {
	switch RewriteMode(strings.ToLower(opts.Mode)) {
	case RewriteStripPrefix:
		prefix := strings.TrimSpace(opts.StripPrefix)
		if prefix == "" || prefix == "/" {
			return nil
		}
		return &pathRewriter{mode: RewriteStripPrefix, stripPrefix: cleanPath(prefix)}
	case RewriteRules:
		rules := compileRules(opts.Rules, log)
		if len(rules) == 0 {
			return nil
		}
		return &pathRewriter{mode: RewriteRules, rules: rules}
	default:
		return nil
	}
}

func (rw *pathRewriter) resolve(p string) (string, string) {
	clean := cleanPath(p)
	switch rw.mode {
	case RewriteStripPrefix:
		if !strings.HasPrefix(clean, rw.stripPrefix) {
			return clean, ""
		}
		trimmed := strings.TrimPrefix(clean, rw.stripPrefix)
		if trimmed != "" && !strings.HasPrefix(trimmed, "/") {
			// "/apiary" must not match prefix "/api"
			return clean, ""
		}
		return cleanPath(trimmed), string(rw.mode)
	case RewriteRules:
		for _, rule := range rw.rules {
			if rule.expr != nil {
				if !rule.expr.MatchString(clean) {
					continue
				}
				return cleanPath(rule.expr.ReplaceAllString(clean, rule.replace)), rule.name
			}
			if strings.HasPrefix(clean, rule.match) {
				return joinPath(rule.replace, strings.TrimPrefix(clean, rule.match)), rule.name
			}
		}
	}
	return clean, ""
}

func compileRules(options []RewriteRule, log Logger) []compiledRule {
	var rules []compiledRule
	for idx, opt := range options {
		rule := compiledRule{
			name:    opt.Name,
			match:   strings.TrimSpace(opt.Match),
			replace: strings.TrimSpace(opt.Replace),
		}
		if rule.name == "" {
			rule.name = fmt.Sprintf("rewrite_rule_%d", idx+1)
		}
		if rule.replace == "" {
			rule.replace = "/"
		}
		if opt.Regex {
			if rule.match == "" {
				continue
			}
			expr, err := regexp.Compile(rule.match)
			if err != nil {
				log.Warn("Invalid rewrite regex skipped", "rule", rule.name, "error", err)
				continue
			}
			rule.expr = expr
		} else {
			rule.match = cleanPath(rule.match)
			if rule.match == "/" {
				continue
			}
			rule.replace = cleanPath(rule.replace)
		}
		rules = append(rules, rule)
	}
	return rules
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		cleaned = "/"
	}
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

func joinPath(base, remainder string) string {
	base = cleanPath(base)
	remainder = strings.TrimLeft(remainder, "/")
	if remainder == "" {
		return base
	}
	if base == "/" {
		return cleanPath("/" + remainder)
	}
	return cleanPath(base + "/" + remainder)
}
