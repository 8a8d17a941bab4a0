// Package httpplugin is a read-only HTTP/HTTPS block-device plugin
// terminal, wired atop httpworker (C8). Byte ranges are fetched with the
// Range header; size discovery follows worker.c's sibling curldefs.h/
// curl.c configuration path: try HEAD first, and on a 403 (some origins
// reject HEAD) fall back to a ranged GET of the first byte and read the
// total size out of Content-Range.
package httpplugin

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"github.com/xzl01/nbdkit/chain"
	"github.com/xzl01/nbdkit/httpworker"
	"github.com/xzl01/nbdkit/xerr"
)

const maxRedirects = 5

// Config holds the url/user/password/cookie/header/useragent/
// followlocation keys (SPEC_FULL.md §12 "HTTP plugin config surface").
type Config struct {
	URL            string
	User           string
	Password       string
	Cookie         string
	Headers        []string // raw "Name: Value" pairs, as repeated -header values
	UserAgent      string
	FollowLocation bool
	Connections    int
}

// Plugin is the terminal backend. Like evil's Filter, the resolved
// configuration lives here rather than in file-scope globals.
type Plugin struct {
	cfg Config

	origin *url.URL
	path   string
	worker *httpworker.Worker

	size uint64
}

// New builds the HTTP plugin layer.
func New() *chain.Layer {
	p := &Plugin{}
	return &chain.Layer{
		Name: "http",

		Config: func(key, val string) error {
			switch key {
			case "url":
				p.cfg.URL = val
			case "user":
				p.cfg.User = val
			case "password":
				p.cfg.Password = val
			case "cookie":
				p.cfg.Cookie = val
			case "header":
				p.cfg.Headers = append(p.cfg.Headers, val)
			case "useragent":
				p.cfg.UserAgent = val
			case "followlocation":
				p.cfg.FollowLocation = val == "" || val == "true" || val == "1"
			case "connections":
				n, err := strconv.Atoi(val)
				if err != nil {
					return errors.Errorf("connections: invalid value %q", val)
				}
				p.cfg.Connections = n
			default:
				return errors.Errorf("http: unrecognized config key %q", key)
			}
			return nil
		},

		ConfigComplete: func() error {
			if p.cfg.URL == "" {
				return errors.New("http: the url parameter is required")
			}
			u, err := url.Parse(p.cfg.URL)
			if err != nil {
				return errors.Wrap(err, "http: invalid url")
			}
			p.origin = u
			if u.Path == "" {
				p.path = "/"
			} else {
				p.path = u.RequestURI()
			}
			return nil
		},

		GetReady: func() error {
			addr := p.origin.Host
			isTLS := p.origin.Scheme == "https"
			if !strings.Contains(addr, ":") {
				if isTLS {
					addr += ":443"
				} else {
					addr += ":80"
				}
			}
			p.worker = httpworker.New(addr, isTLS, p.cfg.Connections)
			return nil
		},

		AfterFork: func() error {
			p.worker.Start()
			return nil
		},

		Unload: func() {
			if p.worker != nil {
				p.worker.Stop()
			}
		},

		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			size, err := p.discoverSize()
			if err != nil {
				return nil, nil, err
			}
			p.size = size
			return chain.HandleNotNeeded, nil, nil
		},

		GetSize: func(ctx *chain.Context) (uint64, error) { return p.size, nil },

		Caps: func(ctx *chain.Context) (chain.Caps, error) {
			return chain.Caps{CanWrite: false, CanMultiConn: true}, nil
		},

		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			return p.pread(buf, offset)
		},
	}
}

func (p *Plugin) newRequest(method string) *fasthttp.Request {
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(p.path)
	req.Header.SetMethod(method)
	req.Header.SetHost(p.origin.Host)
	if p.cfg.User != "" {
		token := base64.StdEncoding.EncodeToString([]byte(p.cfg.User + ":" + p.cfg.Password))
		req.Header.Set("Authorization", "Basic "+token)
	}
	if p.cfg.Cookie != "" {
		req.Header.Set("Cookie", p.cfg.Cookie)
	}
	if p.cfg.UserAgent != "" {
		req.Header.SetUserAgent(p.cfg.UserAgent)
	}
	for _, h := range p.cfg.Headers {
		if name, value, ok := strings.Cut(h, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	return req
}

// do runs req through the worker, following redirects manually when
// followlocation is set (fasthttp.HostClient, unlike libcurl, never
// follows redirects itself).
func (p *Plugin) do(req *fasthttp.Request) (*fasthttp.Response, error) {
	for redirects := 0; ; redirects++ {
		resp := fasthttp.AcquireResponse()
		if err := p.worker.Do(req, resp); err != nil {
			fasthttp.ReleaseResponse(resp)
			return nil, xerr.New(xerr.IO, err)
		}
		status := resp.StatusCode()
		if p.cfg.FollowLocation && (status == 301 || status == 302 || status == 303 || status == 307 || status == 308) {
			if redirects >= maxRedirects {
				fasthttp.ReleaseResponse(resp)
				return nil, xerr.Newf(xerr.IO, "http: too many redirects (>%d)", maxRedirects)
			}
			loc := resp.Header.Peek("Location")
			fasthttp.ReleaseResponse(resp)
			if len(loc) == 0 {
				return nil, xerr.New(xerr.IO, nil)
			}
			req.SetRequestURIBytes(loc)
			continue
		}
		return resp, nil
	}
}

func (p *Plugin) discoverSize() (uint64, error) {
	req := p.newRequest("HEAD")
	defer fasthttp.ReleaseRequest(req)
	resp, err := p.do(req)
	if err != nil {
		return 0, err
	}
	defer fasthttp.ReleaseResponse(resp)

	if resp.StatusCode() == 403 {
		// Some origins reject HEAD; fall back to a one-byte ranged GET and
		// read the total size out of Content-Range (worker.c's curl.c
		// sibling path).
		return p.discoverSizeByRange()
	}
	if resp.StatusCode() >= 400 {
		return 0, xerr.Newf(xerr.IO, "http: HEAD %s: status %d", p.cfg.URL, resp.StatusCode())
	}
	cl := resp.Header.ContentLength()
	if cl < 0 {
		return 0, xerr.New(xerr.NotSup, nil)
	}
	return uint64(cl), nil
}

func (p *Plugin) discoverSizeByRange() (uint64, error) {
	req := p.newRequest("GET")
	defer fasthttp.ReleaseRequest(req)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := p.do(req)
	if err != nil {
		return 0, err
	}
	defer fasthttp.ReleaseResponse(resp)

	if resp.StatusCode() != 206 {
		return 0, xerr.Newf(xerr.NotSup, "http: server does not support range requests (status %d)", resp.StatusCode())
	}
	cr := string(resp.Header.Peek("Content-Range"))
	// Format: "bytes 0-0/12345"
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return 0, xerr.New(xerr.IO, nil)
	}
	total, err := strconv.ParseUint(cr[i+1:], 10, 64)
	if err != nil {
		return 0, xerr.New(xerr.IO, err)
	}
	return total, nil
}

func (p *Plugin) pread(buf []byte, offset uint64) error {
	req := p.newRequest("GET")
	defer fasthttp.ReleaseRequest(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(len(buf))-1))

	resp, err := p.do(req)
	if err != nil {
		return err
	}
	defer fasthttp.ReleaseResponse(resp)

	if resp.StatusCode() != 206 && resp.StatusCode() != 200 {
		return xerr.Newf(xerr.IO, "http: GET %s: status %d", p.cfg.URL, resp.StatusCode())
	}
	body := resp.Body()
	if uint64(len(body)) < uint64(len(buf)) {
		return xerr.New(xerr.IO, errors.Errorf("short read: got %d bytes, wanted %d", len(body), len(buf)))
	}
	copy(buf, body[:len(buf)])
	return nil
}
