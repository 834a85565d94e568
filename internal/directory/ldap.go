// Package directory authenticates internal principals against an LDAP or
// Active Directory server.
package directory

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"lostfound.org/authcore/internal/auth"
	"lostfound.org/authcore/internal/config"
	"lostfound.org/authcore/internal/obs"
)

const (
	uacAccountDisable = 0x2
	// FILETIME epoch (1601-01-01) to unix epoch, in seconds.
	filetimeEpochOffset = 11644473600
	filetimeNever       = "9223372036854775807"
)

var entryAttributes = []string{
	"sAMAccountName", "uid", "userPrincipalName", "mail",
	"displayName", "cn", "givenName", "sn",
	"telephoneNumber", "mobile", "memberOf",
	"userAccountControl", "accountExpires", "nsAccountLock",
}

// ldapConn is the subset of *ldap.Conn used by Client.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
	SetTimeout(d time.Duration)
	Close() error
}

type dialFunc func(ctx context.Context) (ldapConn, error)

var _ auth.Directory = (*Client)(nil)

// Client implements auth.Directory over LDAP. Every operation opens its own
// connection and closes it before returning.
type Client struct {
	cfg    config.DirectoryConfig
	dial   dialFunc
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

func withDialer(fn dialFunc) Option {
	return func(c *Client) { c.dial = fn }
}

// New constructs a Client for cfg.
func New(cfg config.DirectoryConfig, opts ...Option) (*Client, error) {
	if !cfg.Enabled() {
		return nil, errors.New("directory: server is not configured")
	}
	if cfg.SearchBase() == "" {
		return nil, errors.New("directory: base DN is required")
	}
	if !strings.Contains(cfg.UserFilter, "{username}") {
		return nil, errors.New("directory: user filter must contain {username}")
	}
	c := &Client{cfg: cfg, now: time.Now, logger: obs.Logger()}
	c.dial = c.dialLDAP
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "directory", "server", cfg.Server)
	return c, nil
}

func (c *Client) url() string {
	scheme := "ldap"
	if c.cfg.UseTLS {
		scheme = "ldaps"
	}
	port := c.cfg.Port
	if port == 0 {
		port = 389
		if c.cfg.UseTLS {
			port = 636
		}
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(c.cfg.Server, strconv.Itoa(port)))
}

func (c *Client) dialLDAP(ctx context.Context) (ldapConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
	if c.cfg.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{
			ServerName:         c.cfg.Server,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in for lab directories
			MinVersion:         tls.VersionTLS12,
		}))
	}
	conn, err := ldap.DialURL(c.url(), opts...)
	if err != nil {
		return nil, err
	}
	if c.cfg.SearchTimeout > 0 {
		conn.SetTimeout(c.cfg.SearchTimeout)
	}
	return conn, nil
}

var errBindRejected = errors.New("directory: bind rejected")

// observe records the outcome of op.
func (c *Client) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, auth.ErrDirectoryUnavailable):
		result = "unavailable"
	case err != nil:
		result = "rejected"
	}
	obs.ObserveDirectory(op, result, time.Since(start))
}

// withConn dials, binds as bindDN when set and runs fn. The connection is always
// closed on return. A bind refused for bad credentials returns errBindRejected;
// other infrastructure failures wrap auth.ErrDirectoryUnavailable.
func (c *Client) withConn(ctx context.Context, bindDN, password string, fn func(ldapConn) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("directory connect failed", "error", err)
		return fmt.Errorf("%w: connect: %v", auth.ErrDirectoryUnavailable, err)
	}
	defer conn.Close()

	if bindDN != "" {
		if err := conn.Bind(bindDN, password); err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				return errBindRejected
			}
			return fmt.Errorf("%w: bind: %v", auth.ErrDirectoryUnavailable, err)
		}
	}
	if fn == nil {
		return nil
	}
	return fn(conn)
}

// withServiceConn runs fn on a connection bound with the configured service account.
func (c *Client) withServiceConn(ctx context.Context, fn func(ldapConn) error) error {
	err := c.withConn(ctx, c.cfg.BindDN, c.cfg.BindPassword, fn)
	if errors.Is(err, errBindRejected) {
		c.logger.Error("directory service bind rejected", "bind_dn", c.cfg.BindDN)
		return fmt.Errorf("%w: service bind rejected", auth.ErrDirectoryUnavailable)
	}
	return err
}

// Authenticate locates username with the service account, then verifies secret
// with a bind as that entry on a second connection.
func (c *Client) Authenticate(ctx context.Context, username, secret string) (entry *auth.DirectoryEntry, err error) {
	defer func(start time.Time) { c.observe("authenticate", start, err) }(time.Now())

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, auth.ErrDirectoryEntryNotFound
	}
	// An empty password would be an unauthenticated bind, which many servers accept.
	if secret == "" {
		return nil, auth.ErrDirectoryInvalidSecret
	}

	err = c.withServiceConn(ctx, func(conn ldapConn) error {
		found, err := c.findUser(conn, username)
		entry = found
		return err
	})
	if err != nil {
		return nil, err
	}
	if !entry.Active(c.now()) {
		return nil, auth.ErrDirectoryAccountDisabled
	}

	err = c.withConn(ctx, entry.DN, secret, nil)
	if errors.Is(err, errBindRejected) {
		return nil, auth.ErrDirectoryInvalidSecret
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Lookup resolves username with the service account without binding as the entry.
func (c *Client) Lookup(ctx context.Context, username string) (entry *auth.DirectoryEntry, err error) {
	defer func(start time.Time) { c.observe("lookup", start, err) }(time.Now())

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, auth.ErrDirectoryEntryNotFound
	}
	err = c.withServiceConn(ctx, func(conn ldapConn) error {
		found, err := c.findUser(conn, username)
		entry = found
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *Client) findUser(conn ldapConn, username string) (*auth.DirectoryEntry, error) {
	req := ldap.NewSearchRequest(
		c.cfg.SearchBase(),
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, c.timeLimit(), false,
		c.userFilter(ldap.EscapeFilter(username)),
		entryAttributes,
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, auth.ErrDirectoryEntryNotFound
		}
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) {
			c.logger.Warn("directory filter matched several entries", "username", username)
			return nil, auth.ErrDirectoryEntryNotFound
		}
		return nil, fmt.Errorf("%w: search: %v", auth.ErrDirectoryUnavailable, err)
	}
	switch len(res.Entries) {
	case 0:
		return nil, auth.ErrDirectoryEntryNotFound
	case 1:
		return c.mapEntry(res.Entries[0]), nil
	default:
		c.logger.Warn("directory filter matched several entries", "username", username, "count", len(res.Entries))
		return nil, auth.ErrDirectoryEntryNotFound
	}
}

// FetchAll returns every entry matched by the user filter, using paged searches.
func (c *Client) FetchAll(ctx context.Context) (out []auth.DirectoryEntry, err error) {
	defer func(start time.Time) { c.observe("fetch_all", start, err) }(time.Now())

	err = c.withServiceConn(ctx, func(conn ldapConn) error {
		req := ldap.NewSearchRequest(
			c.cfg.SearchBase(),
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
			0, 0, false,
			c.userFilter("*"),
			entryAttributes,
			nil,
		)
		size := c.cfg.SyncBatchSize
		if size <= 0 {
			size = 500
		}
		res, err := conn.SearchWithPaging(req, uint32(size))
		if err != nil {
			return fmt.Errorf("%w: paged search: %v", auth.ErrDirectoryUnavailable, err)
		}
		out = make([]auth.DirectoryEntry, 0, len(res.Entries))
		for _, e := range res.Entries {
			out = append(out, *c.mapEntry(e))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheck performs a base-scope read of the base DN.
func (c *Client) HealthCheck(ctx context.Context) auth.DirectoryHealth {
	start := time.Now()
	err := c.withServiceConn(ctx, func(conn ldapConn) error {
		req := ldap.NewSearchRequest(
			c.cfg.BaseDN,
			ldap.ScopeBaseObject, ldap.NeverDerefAliases,
			1, c.timeLimit(), false,
			"(objectClass=*)",
			[]string{"dn"},
			nil,
		)
		if _, err := conn.Search(req); err != nil {
			return fmt.Errorf("%w: %v", auth.ErrDirectoryUnavailable, err)
		}
		return nil
	})
	c.observe("health", start, err)
	h := auth.DirectoryHealth{Status: auth.DirectoryStatusOK, Server: c.cfg.Server, Latency: time.Since(start)}
	if err != nil {
		h.Status = auth.DirectoryStatusUnavailable
		h.Detail = err.Error()
	}
	return h
}

func (c *Client) userFilter(value string) string {
	return strings.ReplaceAll(c.cfg.UserFilter, "{username}", value)
}

func (c *Client) timeLimit() int {
	return int(c.cfg.SearchTimeout / time.Second)
}

func (c *Client) mapEntry(e *ldap.Entry) *auth.DirectoryEntry {
	out := &auth.DirectoryEntry{
		DN:       e.DN,
		Username: firstOf(e, "sAMAccountName", "uid"),
		Email:    firstOf(e, "mail", "userPrincipalName"),
		FullName: firstOf(e, "displayName", "cn"),
		Phone:    firstOf(e, "telephoneNumber", "mobile"),
	}
	if out.Username == "" {
		if upn := e.GetAttributeValue("userPrincipalName"); upn != "" {
			out.Username, _, _ = strings.Cut(upn, "@")
		}
	}
	if out.FullName == "" {
		out.FullName = strings.TrimSpace(e.GetAttributeValue("givenName") + " " + e.GetAttributeValue("sn"))
	}
	for _, dn := range e.GetAttributeValues("memberOf") {
		out.Groups = append(out.Groups, groupName(dn))
	}

	if uac := e.GetAttributeValue("userAccountControl"); uac != "" {
		if flags, err := strconv.ParseInt(uac, 10, 64); err == nil && flags&uacAccountDisable != 0 {
			out.Disabled = true
		}
	}
	if strings.EqualFold(e.GetAttributeValue("nsAccountLock"), "true") {
		out.Disabled = true
	}
	out.ExpiresAt = parseAccountExpires(e.GetAttributeValue("accountExpires"))
	return out
}

func firstOf(e *ldap.Entry, attrs ...string) string {
	for _, a := range attrs {
		if v := strings.TrimSpace(e.GetAttributeValue(a)); v != "" {
			return v
		}
	}
	return ""
}

func groupName(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return dn
	}
	return parsed.RDNs[0].Attributes[0].Value
}

// parseAccountExpires decodes an AD FILETIME. Zero and the max value mean never.
func parseAccountExpires(v string) *time.Time {
	if v == "" || v == "0" || v == filetimeNever {
		return nil
	}
	ft, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ft <= 0 {
		return nil
	}
	t := time.Unix(ft/10_000_000-filetimeEpochOffset, (ft%10_000_000)*100).UTC()
	return &t
}
