package registry

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed providers.yaml
var defaultProviders []byte

// LoadError reports a registry file that could not be read or parsed.
type LoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("registry %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("registry %s: %s", e.Path, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// ProbeFunc checks that an endpoint is reachable.
type ProbeFunc func(ctx context.Context, endpoint string) error

// Options controls how entries are resolved into providers.
type Options struct {
	// SecretsDir is where secret: references are read from.
	SecretsDir string
	// LookupEnv resolves env: references. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// Probe is called for entries with an endpoint. Nil skips probing.
	Probe  ProbeFunc
	Logger *zap.Logger
}

// Registry is the read-only set of providers configured at start-up.
type Registry struct {
	providers []Provider
	byID      map[string]int
	absent    map[string]Absent
	order     []string
}

type file struct {
	Providers []Entry `yaml:"providers"`
}

// Parse decodes registry YAML.
func Parse(data []byte) ([]Entry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Providers, nil
}

// Load reads the registry file at path, or the embedded default when path is empty.
func Load(ctx context.Context, path string, opts Options) (*Registry, error) {
	data := defaultProviders
	name := "(embedded)"
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, &LoadError{Path: path, Message: "read failed", Cause: err}
		}
		name = path
	}

	entries, err := Parse(data)
	if err != nil {
		return nil, &LoadError{Path: name, Message: "invalid YAML", Cause: err}
	}
	if len(entries) == 0 {
		return nil, &LoadError{Path: name, Message: "no providers configured"}
	}
	return New(ctx, entries, opts)
}

// New resolves entries into a registry. Entries that are invalid, lack
// credentials or fail the probe are recorded as absent rather than failing.
func New(ctx context.Context, entries []Entry, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	r := &Registry{
		byID:   make(map[string]int),
		absent: make(map[string]Absent),
	}

	for _, e := range entries {
		if _, dup := r.byID[e.ID]; dup {
			return nil, &LoadError{Path: e.ID, Message: "duplicate provider id"}
		}
		if _, dup := r.absent[e.ID]; dup {
			return nil, &LoadError{Path: e.ID, Message: "duplicate provider id"}
		}
		r.order = append(r.order, e.ID)

		p, reason := resolve(ctx, e, opts.SecretsDir, lookup, opts.Probe)
		if reason != "" {
			logger.Debug("provider absent", zap.String("provider", e.ID), zap.String("reason", reason))
			r.absent[e.ID] = Absent{Entry: e, Reason: reason}
			continue
		}
		r.byID[e.ID] = len(r.providers)
		r.providers = append(r.providers, p)
	}

	logger.Info("provider registry loaded",
		zap.Int("available", len(r.providers)),
		zap.Int("absent", len(r.absent)))
	return r, nil
}

func resolve(ctx context.Context, e Entry, secretsDir string, lookup func(string) (string, bool), probe ProbeFunc) (Provider, string) {
	if err := e.Validate(); err != nil {
		return Provider{}, "invalid entry: " + err.Error()
	}

	cred, err := ResolveCredential(e.CredentialRef, secretsDir, lookup)
	if err != nil {
		return Provider{}, err.Error()
	}

	values := make(map[string]string, len(e.Params))
	for k, ref := range e.Params {
		v, err := ResolveCredential(ref, secretsDir, lookup)
		if err != nil {
			return Provider{}, fmt.Sprintf("param %s: %v", k, err)
		}
		values[k] = v
	}

	if e.Endpoint != "" && probe != nil {
		if err := probe(ctx, e.Endpoint); err != nil {
			return Provider{}, "endpoint unreachable: " + err.Error()
		}
	}

	return Provider{Entry: e, Credential: cred, Values: values}, ""
}

// ResolveCredential turns a credential reference into its value.
// An empty reference resolves to an empty credential.
func ResolveCredential(ref, secretsDir string, lookup func(string) (string, bool)) (string, error) {
	if ref == "" {
		return "", nil
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || name == "" {
		return "", fmt.Errorf("malformed credential reference %q", ref)
	}

	switch scheme {
	case "env":
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("%s is not set", name)
		}
		return strings.TrimSpace(v), nil
	case "file":
		return readSecret(name)
	case "secret":
		if secretsDir == "" {
			return "", fmt.Errorf("secret %s requested but no secrets directory configured", name)
		}
		return readSecret(filepath.Join(secretsDir, name))
	default:
		return "", fmt.Errorf("unknown credential scheme %q", scheme)
	}
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret file %s not found", path)
		}
		return "", fmt.Errorf("reading secret %s: %w", path, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return v, nil
}

// HTTPProbe returns a probe that issues a GET against the endpoint.
// Any HTTP response counts as reachable.
func HTTPProbe(client *http.Client, timeout time.Duration) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, endpoint string) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

// Get returns the available provider with the given id.
func (r *Registry) Get(id string) (Provider, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Provider{}, false
	}
	return r.providers[i], true
}

// Absence returns why a configured provider is unavailable.
func (r *Registry) Absence(id string) (Absent, bool) {
	a, ok := r.absent[id]
	return a, ok
}

// Providers returns the available providers in file order.
func (r *Registry) Providers() []Provider {
	return append([]Provider(nil), r.providers...)
}

// AbsentEntries returns the unavailable entries in file order.
func (r *Registry) AbsentEntries() []Absent {
	out := make([]Absent, 0, len(r.absent))
	for _, id := range r.order {
		if a, ok := r.absent[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// DefaultSearch returns the provider used when a job names no search provider:
// the first available entry flagged default that can search, else the first that can search.
func (r *Registry) DefaultSearch() (Provider, bool) {
	return r.pick(Provider.CanSearch)
}

// DefaultProcessing is DefaultSearch for the processing role.
func (r *Registry) DefaultProcessing() (Provider, bool) {
	return r.pick(Provider.CanProcess)
}

func (r *Registry) pick(ok func(Provider) bool) (Provider, bool) {
	for _, p := range r.providers {
		if p.Default && ok(p) {
			return p, true
		}
	}
	for _, p := range r.providers {
		if ok(p) {
			return p, true
		}
	}
	return Provider{}, false
}
