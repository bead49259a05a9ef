// Package auth resolves one of three credential strategies (password,
// session cookie, federated assertion) into an established, named database
// session. Strategy selection is explicit and happens once per pool; the
// resolved username and server-issued session cookie are cached on the
// pool's shared options so later handle creations reconnect cheaply.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lfarias-data/tenantpool/internal/driver"
)

// ErrNoAuthMethod is returned when no credential strategy is populated.
var ErrNoAuthMethod = errors.New("no authentication method")

// placeholderSecret satisfies the client protocol's negotiation in cookie
// mode. The server ignores its content, it only has to be non-empty.
const placeholderSecret = "***"

// Assertion carries a federated-identity token: either a literal value or a
// factory invoked lazily so short-lived tokens are fetched just in time.
type Assertion struct {
	Value   string
	Factory func(ctx context.Context) (string, error)
}

// Resolve produces the token: the factory result when one is installed, the
// literal value otherwise.
func (a *Assertion) Resolve(ctx context.Context) (string, error) {
	if a.Factory != nil {
		v, err := a.Factory(ctx)
		if err != nil {
			// Factory failure (e.g. expired upstream trust token) is
			// terminal, never retried.
			return "", fmt.Errorf("assertion factory: %w", err)
		}
		return v, nil
	}
	return a.Value, nil
}

// Material is the credential tagged union. Method selection follows fixed
// precedence: Password > SessionCookie > Assertion.
type Material struct {
	User          string
	Password      string
	SessionCookie string
	Assertion     *Assertion
}

// Method returns the strategy the material selects.
func (m Material) Method() (driver.Method, error) {
	switch {
	case m.User != "" && m.Password != "":
		return driver.MethodPassword, nil
	case m.User != "" && m.SessionCookie != "":
		return driver.MethodSessionCookie, nil
	case m.Assertion != nil:
		return driver.MethodAssertion, nil
	default:
		return 0, ErrNoAuthMethod
	}
}

// Options is the shared per-pool connection configuration. All handles of a
// pool are created from the same Options value; the cached session fields
// are the authentication state the failure-recovery policy invalidates.
type Options struct {
	Host          string
	Port          int
	Database      string
	DefaultSchema string
	Material      Material

	mu           sync.Mutex
	cachedUser   string
	cachedCookie string
}

// Validate checks construction-time requirements. A missing host or port is
// a configuration error: no pool may be produced from such options.
func (o *Options) Validate() error {
	if o.Host == "" {
		return errors.New("configuration: host is required")
	}
	if o.Port == 0 {
		return errors.New("configuration: port is required")
	}
	if _, err := o.Material.Method(); err != nil {
		return err
	}
	return nil
}

// CachedSession returns the resolved user and session cookie from the last
// successful authentication, or empty strings.
func (o *Options) CachedSession() (user, cookie string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cachedUser, o.cachedCookie
}

// ClearCachedSession drops the cached cookie and resolved user. The next
// handle creation falls back to the configured material.
func (o *Options) ClearCachedSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cachedUser = ""
	o.cachedCookie = ""
}

func (o *Options) cacheSession(user, cookie string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cachedUser = user
	o.cachedCookie = cookie
}

// Authenticator establishes sessions through a Connector.
type Authenticator struct {
	Connector driver.Connector
}

// Establish resolves the credential strategy for o, connects, caches the
// canonical username and fresh session cookie on o, and applies the default
// schema. A default-schema failure fails the whole handle creation.
func (a *Authenticator) Establish(ctx context.Context, o *Options) (driver.Session, error) {
	cred, err := a.resolveCredential(ctx, o)
	if err != nil {
		return nil, err
	}

	sess, err := a.Connector.Connect(ctx, cred)
	if err != nil {
		return nil, err
	}

	o.cacheSession(sess.Get(driver.PropResolvedUser), sess.Get(driver.PropSessionCookie))

	if o.DefaultSchema != "" {
		if _, err := sess.Exec(ctx, setSchemaSQL(o.DefaultSchema)); err != nil {
			sess.End()
			return nil, fmt.Errorf("applying default schema %q: %w", o.DefaultSchema, err)
		}
	}

	return sess, nil
}

// resolveCredential prefers a cookie cached from an earlier authentication
// on the same pool, then falls back to the configured material.
func (a *Authenticator) resolveCredential(ctx context.Context, o *Options) (driver.Credential, error) {
	cred := driver.Credential{
		Host:     o.Host,
		Port:     o.Port,
		Database: o.Database,
	}

	if user, cookie := o.CachedSession(); cookie != "" {
		cred.Method = driver.MethodSessionCookie
		cred.User = user
		cred.SessionCookie = cookie
		cred.Password = placeholderSecret
		return cred, nil
	}

	method, err := o.Material.Method()
	if err != nil {
		return driver.Credential{}, err
	}
	cred.Method = method

	switch method {
	case driver.MethodPassword:
		cred.User = o.Material.User
		cred.Password = o.Material.Password
	case driver.MethodSessionCookie:
		cred.User = o.Material.User
		cred.SessionCookie = o.Material.SessionCookie
		cred.Password = placeholderSecret
	case driver.MethodAssertion:
		value, err := o.Material.Assertion.Resolve(ctx)
		if err != nil {
			return driver.Credential{}, err
		}
		cred.Assertion = value
	}

	return cred, nil
}

func setSchemaSQL(schema string) string {
	return fmt.Sprintf("SET SCHEMA %q", schema)
}
