package script

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const simpleLoginScript = `
class UserLoginProvider {
  constructor(credentials) {
    this.credentials = credentials;
  }
  get canLogin() {
    if (this.credentials.password === "correct-horse") {
      commit({subject: this.credentials.username + "#subject"});
      return true;
    }
    return false;
  }
  get userProfile() {
    return {name: "Ada"};
  }
  get role() {
    return "member";
  }
  get scopes() {
    return ["read", "write"];
  }
}
`

const simpleValidationScript = `
class UserValidationProvider {
  constructor(args) {
    this.username = args.username;
  }
  get isValid() {
    return this.username !== "deleted-user";
  }
}
`

func TestLoginSuccess(t *testing.T) {
	p, err := New(context.Background(), testLogger(), []string{simpleLoginScript})
	require.NoError(t, err)

	res, err := p.Login(context.Background(), Credentials{Username: "ada", Password: "correct-horse"})
	require.NoError(t, err)
	require.True(t, res.CanLogin)
	require.Equal(t, "ada#subject", res.Subject)
	require.Equal(t, "member", res.Role)
	require.ElementsMatch(t, []string{"read", "write"}, res.Scopes)
}

func TestLoginWrongCredentials(t *testing.T) {
	p, err := New(context.Background(), testLogger(), []string{simpleLoginScript})
	require.NoError(t, err)

	res, err := p.Login(context.Background(), Credentials{Username: "ada", Password: "wrong"})
	require.NoError(t, err)
	require.False(t, res.CanLogin)
}

func TestLoginMissingClassIsFatal(t *testing.T) {
	_, err := New(context.Background(), testLogger(), []string{"const x = 1;"})
	require.NoError(t, err) // loading succeeds, the class just isn't defined

	p, _ := New(context.Background(), testLogger(), []string{"const x = 1;"})
	_, err = p.Login(context.Background(), Credentials{Username: "a", Password: "b"})
	require.Error(t, err)
}

func TestValidateDefaultSubjectWhenNoCommit(t *testing.T) {
	p, err := New(context.Background(), testLogger(), []string{simpleValidationScript})
	require.NoError(t, err)

	res, err := p.Validate(context.Background(), "deleted-user", false)
	require.NoError(t, err)
	require.False(t, res.IsValid)

	p2, err := New(context.Background(), testLogger(), []string{simpleValidationScript})
	require.NoError(t, err)
	res2, err := p2.Validate(context.Background(), "still-here", false)
	require.NoError(t, err)
	require.True(t, res2.IsValid)
}

func TestValidateMissingClassRelaxedMode(t *testing.T) {
	p, err := New(context.Background(), testLogger(), []string{"const x = 1;"})
	require.NoError(t, err)

	_, err = p.Validate(context.Background(), "u", false)
	require.Error(t, err, "production mode must fail a missing class")

	p2, err := New(context.Background(), testLogger(), []string{"const x = 1;"})
	require.NoError(t, err)
	res, err := p2.Validate(context.Background(), "u", true)
	require.NoError(t, err)
	require.True(t, res.IsValid, "relaxed mode must treat a missing class as valid")
}

func TestBcryptHostFunctionsRoundTrip(t *testing.T) {
	script := `
class UserLoginProvider {
  constructor(credentials) { this.credentials = credentials; }
  get canLogin() {
    var hash = bcrypt.hash(this.credentials.password);
    return bcrypt.compare(hash, this.credentials.password) && !bcrypt.compare(hash, "wrong");
  }
  get userProfile() { return {}; }
  get role() { return ""; }
  get scopes() { return []; }
}
`
	p, err := New(context.Background(), testLogger(), []string{script})
	require.NoError(t, err)

	res, err := p.Login(context.Background(), Credentials{Username: "u", Password: "correct-horse"})
	require.NoError(t, err)
	require.True(t, res.CanLogin)
}

func TestFetchHostFunctionResolvesOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	script := `
class UserLoginProvider {
  constructor(credentials) { this.credentials = credentials; this.ok = false; }
  get canLogin() {
    fetch("` + srv.URL + `").then(function(res) {
      globalThis.__fetchResult = res;
    });
    return globalThis.__fetchResult !== undefined && globalThis.__fetchResult.code === 200;
  }
  get userProfile() { return {}; }
  get role() { return ""; }
  get scopes() { return []; }
}
`
	p, err := New(context.Background(), testLogger(), []string{script})
	require.NoError(t, err)

	// Fetch is synchronous under the hood; the first canLogin evaluation
	// triggers it but the promise callback runs as a microtask that may
	// not have flushed before canLogin's own return executes, so this
	// test only asserts that the call completes without error.
	_, err = p.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	require.NoError(t, err)
}
