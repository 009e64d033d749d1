package errors

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Classifier maps raw handler errors onto the failure taxonomy using message
// patterns and HTTP status codes. Already classified errors pass through.
type Classifier struct {
	mu             sync.RWMutex
	networkPats    []*regexp.Regexp
	timeoutPats    []*regexp.Regexp
	permissionPats []*regexp.Regexp
	businessPats   []*regexp.Regexp
	classCodes     map[int]FailureClass
}

// ClassifierConfig carries user-supplied classification rules layered on top
// of the built-in keyword tables.
type ClassifierConfig struct {
	NetworkPatterns    []string `yaml:"network_patterns"`
	TimeoutPatterns    []string `yaml:"timeout_patterns"`
	PermissionPatterns []string `yaml:"permission_patterns"`
	BusinessPatterns   []string `yaml:"business_patterns"`
}

func NewClassifier() *Classifier {
	return &Classifier{
		classCodes: map[int]FailureClass{
			401: ClassPermission,
			403: ClassPermission,
			408: ClassTimeout,
			504: ClassTimeout,
			400: ClassBusiness,
			409: ClassBusiness,
			422: ClassBusiness,
			429: ClassNetwork,
			500: ClassNetwork,
			502: ClassNetwork,
			503: ClassNetwork,
		},
	}
}

// NewClassifierFromConfig builds a classifier with additional patterns.
func NewClassifierFromConfig(cfg *ClassifierConfig) (*Classifier, error) {
	c := NewClassifier()

	specs := []struct {
		patterns []string
		target   *[]*regexp.Regexp
		name     string
	}{
		{cfg.NetworkPatterns, &c.networkPats, "network"},
		{cfg.TimeoutPatterns, &c.timeoutPats, "timeout"},
		{cfg.PermissionPatterns, &c.permissionPats, "permission"},
		{cfg.BusinessPatterns, &c.businessPats, "business"},
	}
	for _, spec := range specs {
		if err := loadPatterns(spec.patterns, spec.target); err != nil {
			return nil, WrapWithClass(ClassBusiness, "invalid "+spec.name+" pattern", err)
		}
	}
	return c, nil
}

func loadPatterns(patterns []string, target *[]*regexp.Regexp) error {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return err
		}
		*target = append(*target, re)
	}
	return nil
}

// Classify resolves the failure class for an error.
func (c *Classifier) Classify(err error) FailureClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.classifyByContent(err.Error())
}

func (c *Classifier) classifyByContent(errStr string) FailureClass {
	if class, ok := c.classifyByStatusCode(errStr); ok {
		return class
	}
	if class, ok := c.classifyByPatterns(errStr); ok {
		return class
	}
	if class, ok := classifyByKeywords(errStr); ok {
		return class
	}
	return ClassUnknown
}

func (c *Classifier) classifyByStatusCode(errStr string) (FailureClass, bool) {
	for code, class := range c.classCodes {
		if strings.Contains(errStr, strconv.Itoa(code)) {
			return class, true
		}
	}
	return ClassUnknown, false
}

func (c *Classifier) classifyByPatterns(errStr string) (FailureClass, bool) {
	pairs := []struct {
		patterns []*regexp.Regexp
		class    FailureClass
	}{
		{c.timeoutPats, ClassTimeout},
		{c.permissionPats, ClassPermission},
		{c.businessPats, ClassBusiness},
		{c.networkPats, ClassNetwork},
	}
	for _, pair := range pairs {
		for _, p := range pair.patterns {
			if p.MatchString(errStr) {
				return pair.class, true
			}
		}
	}
	return ClassUnknown, false
}

// Keyword tables checked in order: timeout before network so that
// "connection timed out" lands in the timeout class.
var classKeywords = []struct {
	class    FailureClass
	keywords []string
}{
	{ClassTimeout, []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}},
	{ClassPermission, []string{
		"permission",
		"unauthorized",
		"forbidden",
		"access denied",
		"not allowed",
		"token expired",
		"jwt",
	}},
	{ClassBusiness, []string{
		"duplicate key",
		"constraint",
		"validation",
		"already exists",
		"foreign key",
		"invalid input",
	}},
	{ClassNetwork, []string{
		"failed to fetch",
		"network",
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"unreachable",
		"dns",
		"offline",
	}},
}

func classifyByKeywords(errStr string) (FailureClass, bool) {
	lower := strings.ToLower(errStr)
	for _, entry := range classKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.class, true
			}
		}
	}
	return ClassUnknown, false
}

func (c *Classifier) AddNetworkPattern(pattern string) error {
	return c.addPattern(pattern, &c.networkPats)
}

func (c *Classifier) AddTimeoutPattern(pattern string) error {
	return c.addPattern(pattern, &c.timeoutPats)
}

func (c *Classifier) AddPermissionPattern(pattern string) error {
	return c.addPattern(pattern, &c.permissionPats)
}

func (c *Classifier) AddBusinessPattern(pattern string) error {
	return c.addPattern(pattern, &c.businessPats)
}

func (c *Classifier) addPattern(pattern string, target *[]*regexp.Regexp) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	c.mu.Lock()
	*target = append(*target, re)
	c.mu.Unlock()
	return nil
}
