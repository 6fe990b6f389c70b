// Package credentials renders the secrets file of the media cache: the token
// clients must present and the credentials sent to the upstream origin.
//
// The file is a text/template producing JSON. Secrets are pulled in with
// template functions such as {{ env "NAME" }}, {{ file "/path" }} or a
// registered provider like {{ op "op://vault/item/field" }}.
package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template file and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken is the bearer token clients must send to the proxy.
	AuthToken string `json:"auth_token,omitempty"`

	// Upstream authenticates requests to the origin.
	Upstream *UpstreamAuth `json:"upstream,omitempty"`
}

// UpstreamAuth describes how to authenticate against the origin. At most one
// of BearerToken and Username may be set.
type UpstreamAuth struct {
	BearerToken string            `json:"bearer_token,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Header returns the headers to add to every upstream request.
func (u *UpstreamAuth) Header() http.Header {
	h := make(http.Header)
	if u == nil {
		return h
	}
	for k, v := range u.Headers {
		h.Set(k, v)
	}
	switch {
	case u.BearerToken != "":
		h.Set("Authorization", "Bearer "+u.BearerToken)
	case u.Username != "":
		raw := u.Username + ":" + u.Password
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}
	return h
}

// Validate checks the credentials for conflicting settings.
func (c *Credentials) Validate() error {
	if c.Upstream == nil {
		return nil
	}
	if c.Upstream.BearerToken != "" && c.Upstream.Username != "" {
		return errors.New("upstream: bearer_token and username are mutually exclusive")
	}
	if _, ok := c.Upstream.Headers["Authorization"]; ok && (c.Upstream.BearerToken != "" || c.Upstream.Username != "") {
		return errors.New("upstream: Authorization header conflicts with bearer_token or username")
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Info("loaded credentials",
		"path", path,
		"auth_token", creds.AuthToken != "",
		"upstream_auth", creds.Upstream != nil,
	)
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	rendered, err := r.render(ctx, string(data))
	if err != nil {
		return nil, err
	}

	var creds Credentials
	dec := json.NewDecoder(bytes.NewReader(rendered))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}
	return buf.Bytes(), nil
}

// funcs returns the built-in template functions plus one memoized function
// per registered provider.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			if val, ok := os.LookupEnv(key); ok {
				return val, nil
			}
			return "", fmt.Errorf("environment variable %q is not set", key)
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	// A secret referenced twice is fetched once per render.
	resolved := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := resolved[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			resolved[key] = val
			return val, nil
		}
	}
	return fm
}
