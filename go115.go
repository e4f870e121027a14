// Package go115 is a client for the 115 cloud storage service.
//
// A session is authenticated by the UID/CID/SEID cookies obtained from
// a logged-in browser or the QR login flow; the client consumes them as
// an opaque bundle. On top of the service's id-addressed object graph
// it offers a path-style facade (List, ResolvePath, Mkdir, Rename,
// Move, Copy, Delete), download URL negotiation, and an upload
// pipeline that tries server-side dedup first and falls back to a
// resumable multipart transfer against the service's OSS backend.
//
// All methods are safe for concurrent use.
package go115

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/cipher"
	"github.com/yunkit/go115/dircache"
	"github.com/yunkit/go115/oss"
	"github.com/yunkit/go115/pacer"
	"github.com/yunkit/go115/rest"
)

const (
	webAPIURL = "https://webapi.115.com"
	proAPIURL = "https://proapi.115.com"
	uploadURL = "https://uplb.115.com"

	cookieDomain = ".115.com"

	// RootID is the id of the root directory
	RootID = 0

	defaultPageSize    = 32
	maxPageSize        = 1150
	defaultMinSleep    = 100 * time.Millisecond
	defaultConcurrency = 4

	// SingleShot disables multipart when used as Options.PartSize
	SingleShot = -1

	stsCacheKey      = "sts"
	endpointCacheKey = "endpoint"
)

// Options configures a Client. The zero value is usable.
type Options struct {
	// UserAgent overrides the default. Some endpoints key behaviour
	// off the claimed client version, so only change this if you know
	// the consequences.
	UserAgent string

	// PageSize for directory listings, capped at the server limit
	PageSize int

	// PartSize for multipart uploads in bytes. 0 means the default
	// (10 MiB); any negative value (SingleShot) uploads in one PUT
	// with no resume.
	PartSize int64

	// UploadConcurrency is how many parts go up in parallel
	UploadConcurrency int

	// VersionPredicate derives a directory's cache version from the
	// attributes of the directory itself; cached listings are reused
	// until the value moves. The default tracks the directory's
	// update time.
	VersionPredicate func(*api.CategoryInfo) int64

	// AllowRetype permits Rename to change a file's extension by
	// re-registering the content under the new name and deleting the
	// old node. Off by default because it changes the node's id.
	AllowRetype bool

	// MinSleep between API calls
	MinSleep time.Duration

	// HTTPClient overrides the transport. Its Jar is replaced.
	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.UserAgent == "" {
		o.UserAgent = cipher.UserAgent()
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.PageSize > maxPageSize {
		o.PageSize = maxPageSize
	}
	if o.PartSize == 0 {
		o.PartSize = oss.DefaultPartSize
	}
	if o.UploadConcurrency <= 0 {
		o.UploadConcurrency = defaultConcurrency
	}
	if o.VersionPredicate == nil {
		o.VersionPredicate = func(info *api.CategoryInfo) int64 { return int64(info.UTime) }
	}
	if o.MinSleep <= 0 {
		o.MinSleep = defaultMinSleep
	}
}

// Client is a session with the service
type Client struct {
	opt  Options
	http *http.Client
	srv  *rest.Client // webapi.115.com
	pro  *rest.Client // proapi.115.com
	upl  *rest.Client // uplb.115.com
	pc   *pacer.Pacer

	dirCache *dircache.DirCache
	attrs    *attrCache

	userMu  sync.Mutex
	userID  int64
	userKey string

	ossMu     sync.Mutex
	ossClient *oss.Client

	// Session-scoped expirables: STS triple and the OSS endpoint
	misc   *gocache.Cache
	single singleflight.Group
}

// New makes a Client from a browser cookie string such as
// "UID=...; CID=...; SEID=...".
func New(ctx context.Context, cookie string, opt *Options) (*Client, error) {
	var o Options
	if opt != nil {
		o = *opt
	}
	o.setDefaults()

	cookies := parseCookies(cookie)
	if len(cookies) == 0 {
		return nil, errors.New("no cookies found, expected \"UID=...; CID=...; SEID=...\"")
	}

	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "cookie jar")
	}
	seedCookies(jar, cookies)
	hc.Jar = jar

	c := &Client{
		opt:  o,
		http: hc,
		pc:   pacer.New().SetMinSleep(o.MinSleep),
		misc: gocache.New(gocache.NoExpiration, 5*time.Minute),
	}
	c.srv = rest.NewClient(hc).SetRoot(webAPIURL).SetErrorHandler(errorHandler).SetHeader("User-Agent", o.UserAgent)
	c.pro = rest.NewClient(hc).SetRoot(proAPIURL).SetErrorHandler(errorHandler).SetHeader("User-Agent", o.UserAgent)
	c.upl = rest.NewClient(hc).SetRoot(uploadURL).SetErrorHandler(errorHandler).SetHeader("User-Agent", o.UserAgent)
	c.dirCache = dircache.New(RootID, c)
	c.attrs = newAttrCache()
	return c, nil
}

// parseCookies splits a browser-style cookie header
func parseCookies(s string) []*http.Cookie {
	var out []*http.Cookie
	for _, kv := range strings.Split(s, ";") {
		kv = strings.TrimSpace(kv)
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		out = append(out, &http.Cookie{
			Name:   kv[:eq],
			Value:  kv[eq+1:],
			Domain: cookieDomain,
			Path:   "/",
		})
	}
	return out
}

// seedCookies installs the session cookies for every service hostname.
// The jar scopes cookies per eTLD+1, so one representative URL is
// enough to cover all *.115.com hosts.
func seedCookies(jar http.CookieJar, cookies []*http.Cookie) {
	u := &url.URL{Scheme: "https", Host: "115.com"}
	jar.SetCookies(u, cookies)
}

// errorHandler decodes a non-2xx response into an *api.Error
func errorHandler(resp *http.Response) error {
	body, err := rest.ReadBody(resp)
	if err != nil {
		body = nil
	}
	apiErr := &api.Error{
		Status: resp.StatusCode,
		Raw:    body,
	}
	var base api.Base
	if json.Unmarshal(body, &base) == nil {
		if e, ok := base.Err().(*api.Error); ok {
			e.Status = resp.StatusCode
			e.Raw = body
			return e
		}
	}
	return apiErr
}

// shouldRetry returns whether the error is worth another paced attempt
func shouldRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.Retriable(), err
	}
	if resp != nil {
		switch resp.StatusCode {
		case 429, 500, 502, 503, 504, 509:
			return true, err
		}
		return false, err
	}
	// No response at all: connection level trouble
	return true, err
}

// userInfo returns the user id and key needed to sign upload-init
// requests, fetching them once per session.
func (c *Client) userInfo(ctx context.Context) (int64, string, error) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	if c.userKey != "" {
		return c.userID, c.userKey, nil
	}
	opts := rest.Opts{
		Method: "GET",
		Path:   "/app/uploadinfo",
	}
	var info api.UploadBasicInfo
	err := c.pc.Call(func() (bool, error) {
		resp, err := c.pro.CallJSON(ctx, &opts, nil, &info)
		return shouldRetry(ctx, resp, err)
	})
	if err != nil {
		return 0, "", errors.Wrap(err, "fetching upload info")
	}
	if err := info.Err(); err != nil {
		return 0, "", err
	}
	if info.UserID == 0 || info.UserKey == "" {
		return 0, "", errors.Wrap(api.ErrAuthRequired, "no user key in upload info")
	}
	c.userID = int64(info.UserID)
	c.userKey = info.UserKey
	logrus.Debugf("115: session for user %d", c.userID)
	return c.userID, c.userKey, nil
}

// uploadEndpoint returns the OSS endpoint host, fetched once
func (c *Client) uploadEndpoint(ctx context.Context) (string, error) {
	if v, ok := c.misc.Get(endpointCacheKey); ok {
		return v.(string), nil
	}
	v, err, _ := c.single.Do(endpointCacheKey, func() (interface{}, error) {
		opts := rest.Opts{
			Method: "GET",
			Path:   "/3.0/getuploadinfo.php",
		}
		var info api.UploadEndpointInfo
		err := c.pc.Call(func() (bool, error) {
			resp, err := c.upl.CallJSON(ctx, &opts, nil, &info)
			return shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return nil, errors.Wrap(err, "fetching upload endpoint")
		}
		if err := info.Err(); err != nil {
			return nil, err
		}
		if info.Endpoint == "" {
			return nil, errors.New("empty OSS endpoint")
		}
		c.misc.Set(endpointCacheKey, info.Endpoint, gocache.NoExpiration)
		return info.Endpoint, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// stsCredentials returns a valid STS triple, refreshing it when it is
// about to expire or when forceRefresh is set. Concurrent callers
// share one fetch.
func (c *Client) stsCredentials(ctx context.Context, forceRefresh bool) (oss.Credentials, error) {
	if !forceRefresh {
		if v, ok := c.misc.Get(stsCacheKey); ok {
			return v.(oss.Credentials), nil
		}
	}
	v, err, _ := c.single.Do(stsCacheKey, func() (interface{}, error) {
		opts := rest.Opts{
			Method: "GET",
			Path:   "/3.0/gettoken.php",
		}
		var token api.UploadToken
		err := c.pc.Call(func() (bool, error) {
			resp, err := c.upl.CallJSON(ctx, &opts, nil, &token)
			return shouldRetry(ctx, resp, err)
		})
		if err != nil {
			return nil, errors.Wrap(err, "fetching OSS token")
		}
		if token.AccessKeyID == "" || token.SecurityToken == "" {
			return nil, errors.New("incomplete OSS token")
		}
		cred := oss.Credentials{
			AccessKeyID:     token.AccessKeyID,
			AccessKeySecret: token.AccessKeySecret,
			SecurityToken:   token.SecurityToken,
		}
		// Keep a safety margin so a part started near the boundary
		// still carries a live token.
		ttl := gocache.NoExpiration
		if !token.Expiration.IsZero() {
			ttl = time.Until(token.Expiration) - 5*time.Minute
			if ttl <= 0 {
				ttl = time.Minute
			}
		}
		c.misc.Set(stsCacheKey, cred, ttl)
		return cred, nil
	})
	if err != nil {
		return oss.Credentials{}, err
	}
	return v.(oss.Credentials), nil
}

// ossSrv returns the lazily built OSS client
func (c *Client) ossSrv(ctx context.Context) (*oss.Client, error) {
	c.ossMu.Lock()
	defer c.ossMu.Unlock()
	if c.ossClient != nil {
		return c.ossClient, nil
	}
	endpoint, err := c.uploadEndpoint(ctx)
	if err != nil {
		return nil, err
	}
	srv, err := oss.New(c.http, pacer.New().SetMinSleep(c.opt.MinSleep), endpoint, c.stsCredentials)
	if err != nil {
		return nil, err
	}
	c.ossClient = srv
	return srv, nil
}
