// Package script implements the Script Provider: a
// sandboxed, per-request JavaScript runtime that loads a tenant's
// provider scripts and instantiates one of two well-known classes to
// validate credentials and derive subject/profile/role/scopes.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// Budget is the total wall-clock allowance for a single provider run.
const Budget = 30 * time.Second

// Credentials is passed to UserLoginProvider's constructor.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is what a UserLoginProvider run yields once the class has
// been instantiated and its getters read.
type LoginResult struct {
	CanLogin bool
	Subject  string // from commit({subject}), falls back to the username
	Profile  any
	Role     string
	Scopes   []string
}

// ValidationResult is what a UserValidationProvider run yields.
type ValidationResult struct {
	IsValid bool
}

// Provider is a single-use script execution context: never shared
// across requests, destroyed after the response.
type Provider struct {
	vm        *goja.Runtime
	logger    *slog.Logger
	contextID string
	committed []map[string]any
	httpClient *http.Client
}

// New loads the concatenation of scripts into a fresh runtime. scripts
// are concatenated in order, matching a tenant's ProviderScripts field.
func New(ctx context.Context, logger *slog.Logger, scripts []string) (*Provider, error) {
	vm := goja.New()
	p := &Provider{
		vm:         vm,
		logger:     logger,
		contextID:  uuid.NewString(),
		httpClient: &http.Client{Timeout: Budget},
	}
	p.inject(ctx)

	src := ""
	for _, s := range scripts {
		src += s + "\n"
	}
	if src == "" {
		return nil, fmt.Errorf("script: tenant has no provider scripts configured")
	}
	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("script: load: %w", err)
	}
	return p, nil
}

// ContextID is a unique identifier for this run, suitable for tracing.
func (p *Provider) ContextID() string { return p.contextID }

// Login instantiates UserLoginProvider(credentials) and reads its
// getters. A missing UserLoginProvider class is a fatal configuration
// error for the tenant.
func (p *Provider) Login(ctx context.Context, creds Credentials) (LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	ctor, err := p.classConstructor("UserLoginProvider")
	if err != nil {
		return LoginResult{}, fmt.Errorf("script: fatal configuration error: %w", err)
	}

	instance, err := p.instantiate(ctor, map[string]any{"username": creds.Username, "password": creds.Password})
	if err != nil {
		return LoginResult{}, fmt.Errorf("script: UserLoginProvider constructor failed: %w", err)
	}

	done := make(chan struct{})
	var result LoginResult
	var runErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("script: interrupted: %v", r)
			}
		}()
		result.CanLogin = p.boolGetter(instance, "canLogin")
		result.Profile = p.anyGetter(instance, "userProfile")
		result.Role = p.stringGetter(instance, "role")
		result.Scopes = p.stringArrayGetter(instance, "scopes")
		result.Subject = p.subjectOrDefault(creds.Username)
	}()

	select {
	case <-done:
		if runErr != nil {
			return LoginResult{}, runErr
		}
		return result, nil
	case <-ctx.Done():
		p.vm.Interrupt("login timed out")
		<-done // wait for the interrupt to unwind before reusing the VM
		return LoginResult{}, fmt.Errorf("script: login exceeded %s budget", Budget)
	}
}

// Validate instantiates UserValidationProvider({username}) and reads
// isValid. A missing class fails in production mode; in relaxed mode
// (allowMissing) it reports valid with a critical log.
func (p *Provider) Validate(ctx context.Context, username string, allowMissing bool) (ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, Budget)
	defer cancel()

	ctor, err := p.classConstructor("UserValidationProvider")
	if err != nil {
		if allowMissing {
			p.logger.Error("UserValidationProvider missing; treating refresh as valid per relaxed mode", "context_id", p.contextID)
			return ValidationResult{IsValid: true}, nil
		}
		return ValidationResult{}, fmt.Errorf("script: UserValidationProvider missing: %w", err)
	}

	instance, err := p.instantiate(ctor, map[string]any{"username": username})
	if err != nil {
		return ValidationResult{}, fmt.Errorf("script: UserValidationProvider constructor failed: %w", err)
	}

	done := make(chan struct{})
	var result ValidationResult
	var runErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("script: interrupted: %v", r)
			}
		}()
		result.IsValid = p.boolGetter(instance, "isValid")
	}()

	select {
	case <-done:
		if runErr != nil {
			return ValidationResult{}, runErr
		}
		return result, nil
	case <-ctx.Done():
		p.vm.Interrupt("validation timed out")
		<-done
		return ValidationResult{}, fmt.Errorf("script: validation exceeded %s budget", Budget)
	}
}

func (p *Provider) classConstructor(name string) (*goja.Object, error) {
	v := p.vm.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, fmt.Errorf("class %q not defined", name)
	}
	obj := v.ToObject(p.vm)
	if _, ok := goja.AssertFunction(obj); !ok {
		return nil, fmt.Errorf("%q is not a constructor", name)
	}
	return obj, nil
}

func (p *Provider) instantiate(ctor *goja.Object, args map[string]any) (*goja.Object, error) {
	instance, err := p.vm.New(ctor, p.vm.ToValue(args))
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (p *Provider) boolGetter(obj *goja.Object, name string) bool {
	v := obj.Get(name)
	if v == nil {
		return false
	}
	return v.ToBoolean()
}

func (p *Provider) stringGetter(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func (p *Provider) anyGetter(obj *goja.Object, name string) any {
	v := obj.Get(name)
	if v == nil {
		return nil
	}
	return v.Export()
}

func (p *Provider) stringArrayGetter(obj *goja.Object, name string) []string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	raw, ok := exported.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// subjectOrDefault implements Subject.decode(committed): the first
// committed entry with a "subject" field wins, falling back to
// fallback.
func (p *Provider) subjectOrDefault(fallback string) string {
	for _, c := range p.committed {
		if s, ok := c["subject"]; ok {
			if str, ok := s.(string); ok {
				return str
			}
		}
	}
	return fallback
}
