package script

import (
	"context"
	"crypto/md5" //nolint:gosec // spec-mandated host function, not used for security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/crypto/bcrypt"
)

const maxFetchRedirects = 100

// inject wires every host function the Script Provider contract names
// into the runtime's global scope.
func (p *Provider) inject(ctx context.Context) {
	vm := p.vm

	_ = vm.Set("say", p.jsSay)
	_ = vm.Set("console", map[string]any{
		"log":   p.jsSay,
		"error": p.jsConsoleError,
	})
	_ = vm.Set("md5", p.jsMD5)
	_ = vm.Set("sha256", p.jsSHA256)
	_ = vm.Set("bcrypt", map[string]any{
		"hash":    p.jsBcryptHash,
		"compare": p.jsBcryptCompare,
	})
	_ = vm.Set("commit", p.jsCommit)
	_ = vm.Set("fetch", p.jsFetchFunc(ctx))
}

func (p *Provider) jsSay(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		parts = append(parts, a.String())
	}
	p.logger.Info(strings.Join(parts, " "), "context_id", p.contextID)
	return goja.Undefined()
}

func (p *Provider) jsConsoleError(call goja.FunctionCall) goja.Value {
	parts := make([]string, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		parts = append(parts, a.String())
	}
	p.logger.Error(strings.Join(parts, " "), "context_id", p.contextID)
	return goja.Undefined()
}

// jsMD5 returns the hex MD5 digest of its argument, or null on a null
// input.
func (p *Provider) jsMD5(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsNull(arg) || goja.IsUndefined(arg) {
		return goja.Null()
	}
	sum := md5.Sum([]byte(arg.String())) //nolint:gosec
	return p.vm.ToValue(hex.EncodeToString(sum[:]))
}

func (p *Provider) jsSHA256(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsNull(arg) || goja.IsUndefined(arg) {
		return goja.Null()
	}
	sum := sha256.Sum256([]byte(arg.String()))
	return p.vm.ToValue(hex.EncodeToString(sum[:]))
}

// jsBcryptHash hashes its argument at bcrypt.DefaultCost, letting a
// provider script store a salted digest instead of a plaintext
// password in its own backing store.
func (p *Provider) jsBcryptHash(call goja.FunctionCall) goja.Value {
	hash, err := bcrypt.GenerateFromPassword([]byte(call.Argument(0).String()), bcrypt.DefaultCost)
	if err != nil {
		panic(p.vm.ToValue(err.Error()))
	}
	return p.vm.ToValue(string(hash))
}

// jsBcryptCompare reports whether password matches hash.
func (p *Provider) jsBcryptCompare(call goja.FunctionCall) goja.Value {
	hash := call.Argument(0).String()
	password := call.Argument(1).String()
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return p.vm.ToValue(err == nil)
}

// jsCommit appends a structured copy of value to the committed list;
// subjectOrDefault reads the first entry carrying a "subject" field.
func (p *Provider) jsCommit(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	exported := arg.Export()
	asMap, ok := exported.(map[string]any)
	if !ok {
		asMap = map[string]any{"value": exported}
	}
	p.committed = append(p.committed, asMap)
	return goja.Undefined()
}

type fetchOptions struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// jsFetchFunc returns the fetch(url, options) host function. It
// performs the request synchronously and settles a Promise with
// {code, body} on 2xx, rejecting otherwise, following up to
// maxFetchRedirects redirects.
func (p *Provider) jsFetchFunc(ctx context.Context) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := p.vm
		url := call.Argument(0).String()

		var opts fetchOptions
		opts.Method = http.MethodGet
		if len(call.Arguments) > 1 {
			if m, ok := call.Argument(1).Export().(map[string]any); ok {
				if method, ok := m["method"].(string); ok && method != "" {
					opts.Method = method
				}
				if body, ok := m["body"].(string); ok {
					opts.Body = body
				}
				if headers, ok := m["headers"].(map[string]any); ok {
					opts.Headers = make(map[string]string, len(headers))
					for k, v := range headers {
						if s, ok := v.(string); ok {
							opts.Headers[k] = s
						}
					}
				}
			}
		}

		promise, resolve, reject := vm.NewPromise()

		code, body, err := p.doFetch(ctx, url, opts)
		if err != nil {
			reject(vm.ToValue(err.Error()))
		} else if code < 200 || code >= 300 {
			reject(vm.ToValue(map[string]any{"code": code, "body": body}))
		} else {
			resolve(vm.ToValue(map[string]any{"code": code, "body": body}))
		}

		return vm.ToValue(promise)
	}
}

func (p *Provider) doFetch(ctx context.Context, url string, opts fetchOptions) (int, string, error) {
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, url, body)
	if err != nil {
		return 0, "", err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: Budget,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxFetchRedirects {
				return fmt.Errorf("fetch: stopped after %d redirects", maxFetchRedirects)
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(data), nil
}
