package runtime

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const (
	hostRequestTimeout = 30 * time.Second
	maxResponseBytes   = 10 << 20 // 10 MB
)

// netModules builds the wrapped http/https/http2/net/tls/dgram modules.
// Outbound clients are permitted; anything that would bind a port or join
// a multicast group throws.
type netModules struct {
	vm   *goja.Runtime
	loop *eventLoop

	// deadline bounds in-flight host requests to the current cell run.
	deadline func() time.Time
}

func newNetModules(vm *goja.Runtime, loop *eventLoop, deadline func() time.Time) *netModules {
	return &netModules{vm: vm, loop: loop, deadline: deadline}
}

func (nm *netModules) requestContext() (context.Context, context.CancelFunc) {
	timeout := hostRequestTimeout
	if dl := nm.deadline(); !dl.IsZero() {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	return context.WithTimeout(context.Background(), timeout)
}

// doRequest performs one outbound HTTP exchange and returns status,
// headers and a size-capped body.
func (nm *netModules) doRequest(method, rawURL string, headers map[string]string, body []byte) (int, string, map[string]string, []byte, error) {
	ctx, cancel := nm.requestContext()
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, "", nil, nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "", nil, nil, fmt.Errorf("read response: %w", err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		respHeaders[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return resp.StatusCode, resp.Status, respHeaders, respBody, nil
}

// serverDenied produces the createServer replacement for a module.
func (nm *netModules) serverDenied(moduleName string) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		panic(throwError(nm.vm, "%s server creation is not allowed in NodeBooks runtime", moduleName))
	}
}

// httpExports builds the http/https module surface: request/get outbound
// clients plus a throwing createServer.
func (nm *netModules) httpExports(moduleName, scheme string) *goja.Object {
	mod := nm.vm.NewObject()
	mod.Set("createServer", nm.serverDenied(moduleName))
	mod.Set("request", nm.clientRequest(scheme, ""))
	mod.Set("get", nm.clientRequest(scheme, "GET"))
	return mod
}

// http2Exports adds the secure-server denial on top of the http surface.
func (nm *netModules) http2Exports() *goja.Object {
	mod := nm.httpExports("http2", "https")
	mod.Set("createSecureServer", nm.serverDenied("http2"))
	mod.Set("connect", func(call goja.FunctionCall) goja.Value {
		argString(nm.vm, call, 0, "http2.connect")
		session := nm.vm.NewObject()
		session.Set("request", func(goja.FunctionCall) goja.Value {
			panic(throwError(nm.vm, "http2 client streams are not supported in NodeBooks runtime; use https.request"))
		})
		session.Set("close", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		return session
	})
	return mod
}

// clientRequest implements a minimal http.request/http.get. The exchange
// happens when end() is called (immediately for get); response and data
// events are delivered through the event loop, so handlers registered in
// the callback run first.
func (nm *netModules) clientRequest(scheme, forcedMethod string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		rawURL, method, headers := nm.requestArgs(call, scheme, forcedMethod)
		cb, hasCb := callbackArg(call)

		req := nm.vm.NewObject()
		reqHandlers := map[string][]goja.Callable{}
		var body []byte
		fired := false

		fire := func() {
			if fired {
				return
			}
			fired = true
			status, _, respHeaders, respBody, err := nm.doRequest(method, rawURL, headers, body)
			nm.loop.submit(func() {
				if err != nil {
					errVal := throwError(nm.vm, "%s", err.Error())
					for _, h := range reqHandlers["error"] {
						h(goja.Undefined(), errVal)
					}
					return
				}
				res := nm.responseObject(status, respHeaders, respBody)
				if hasCb {
					cb(goja.Undefined(), res.value)
				}
				for _, h := range reqHandlers["response"] {
					h(goja.Undefined(), res.value)
				}
				res.dispatch()
			})
		}

		req.Set("on", func(c goja.FunctionCall) goja.Value {
			if fn, ok := goja.AssertFunction(c.Argument(1)); ok {
				event := c.Argument(0).String()
				reqHandlers[event] = append(reqHandlers[event], fn)
			}
			return req
		})
		req.Set("setHeader", func(c goja.FunctionCall) goja.Value {
			headers[c.Argument(0).String()] = c.Argument(1).String()
			return req
		})
		req.Set("write", func(c goja.FunctionCall) goja.Value {
			body = append(body, []byte(c.Argument(0).String())...)
			return nm.vm.ToValue(true)
		})
		req.Set("end", func(c goja.FunctionCall) goja.Value {
			if len(c.Arguments) > 0 {
				if v := c.Argument(0); !goja.IsUndefined(v) && !goja.IsNull(v) {
					body = append(body, []byte(v.String())...)
				}
			}
			fire()
			return req
		})
		req.Set("abort", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		req.Set("destroy", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

		if forcedMethod == "GET" {
			fire()
		}
		return req
	}
}

// requestArgs accepts (url[, options][, cb]) and (options[, cb]) shapes.
func (nm *netModules) requestArgs(call goja.FunctionCall, scheme, forcedMethod string) (rawURL, method string, headers map[string]string) {
	headers = map[string]string{}
	method = forcedMethod
	if method == "" {
		method = "GET"
	}

	first := call.Argument(0)
	var opts *goja.Object
	if obj, ok := first.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			opts = obj
		}
	}
	if opts == nil {
		rawURL = first.String()
		opts = optObject(call, 1)
	}

	if opts != nil {
		get := func(key string) string {
			if v := opts.Get(key); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
				return v.String()
			}
			return ""
		}
		if rawURL == "" {
			host := get("hostname")
			if host == "" {
				host = get("host")
			}
			port := get("port")
			path := get("path")
			if path == "" {
				path = "/"
			}
			if port != "" {
				host = net.JoinHostPort(host, port)
			}
			rawURL = scheme + "://" + host + path
		}
		if m := get("method"); m != "" && forcedMethod == "" {
			method = strings.ToUpper(m)
		}
		if h := opts.Get("headers"); h != nil {
			if hObj, ok := h.(*goja.Object); ok {
				for _, k := range hObj.Keys() {
					headers[k] = hObj.Get(k).String()
				}
			}
		}
	}
	return rawURL, method, headers
}

type responseObj struct {
	value    *goja.Object
	dispatch func()
}

// responseObject buffers the body and replays it as data/end events once
// handlers have had a chance to register.
func (nm *netModules) responseObject(status int, headers map[string]string, body []byte) *responseObj {
	res := nm.vm.NewObject()
	handlers := map[string][]goja.Callable{}

	res.Set("statusCode", status)
	res.Set("headers", headers)
	res.Set("setEncoding", func(goja.FunctionCall) goja.Value { return res })
	res.Set("on", func(c goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(c.Argument(1)); ok {
			handlers[c.Argument(0).String()] = append(handlers[c.Argument(0).String()], fn)
		}
		return res
	})

	dispatch := func() {
		nm.loop.submit(func() {
			if len(body) > 0 {
				for _, h := range handlers["data"] {
					h(goja.Undefined(), nm.vm.ToValue(string(body)))
				}
			}
			for _, h := range handlers["end"] {
				h(goja.Undefined())
			}
		})
	}
	return &responseObj{value: res, dispatch: dispatch}
}

// netExports covers net and tls: outbound connect with a buffered socket,
// createServer denied.
func (nm *netModules) netExports(moduleName, network string) *goja.Object {
	mod := nm.vm.NewObject()
	mod.Set("createServer", nm.serverDenied(moduleName))
	mod.Set("connect", nm.socketConnect(network))
	if moduleName == "net" {
		mod.Set("Socket", func(goja.ConstructorCall) *goja.Object {
			panic(throwError(nm.vm, "net.Socket construction is not supported; use net.connect"))
		})
	}
	return mod
}

// socketConnect dials an outbound TCP (or TLS) connection. write()
// buffers; end() flushes, half-closes, reads until EOF and replays
// data/end events. Interactive protocols are out of scope.
func (nm *netModules) socketConnect(network string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		host, port := nm.connectArgs(call)
		sock := nm.vm.NewObject()
		handlers := map[string][]goja.Callable{}
		var buf []byte

		sock.Set("on", func(c goja.FunctionCall) goja.Value {
			if fn, ok := goja.AssertFunction(c.Argument(1)); ok {
				handlers[c.Argument(0).String()] = append(handlers[c.Argument(0).String()], fn)
			}
			return sock
		})
		sock.Set("write", func(c goja.FunctionCall) goja.Value {
			buf = append(buf, []byte(c.Argument(0).String())...)
			return nm.vm.ToValue(true)
		})
		sock.Set("end", func(c goja.FunctionCall) goja.Value {
			if len(c.Arguments) > 0 {
				if v := c.Argument(0); !goja.IsUndefined(v) && !goja.IsNull(v) {
					buf = append(buf, []byte(v.String())...)
				}
			}
			payload := buf
			go func() {
				data, err := nm.exchange(network, host, port, payload)
				nm.loop.submit(func() {
					if err != nil {
						errVal := throwError(nm.vm, "%s", err.Error())
						for _, h := range handlers["error"] {
							h(goja.Undefined(), errVal)
						}
						return
					}
					if len(data) > 0 {
						for _, h := range handlers["data"] {
							h(goja.Undefined(), nm.vm.ToValue(string(data)))
						}
					}
					for _, h := range handlers["end"] {
						h(goja.Undefined())
					}
					for _, h := range handlers["close"] {
						h(goja.Undefined())
					}
				})
			}()
			return sock
		})
		sock.Set("destroy", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

		nm.loop.submit(func() {
			for _, h := range handlers["connect"] {
				h(goja.Undefined())
			}
		})
		if cb, ok := callbackArg(call); ok {
			nm.loop.submit(func() { cb(goja.Undefined()) })
		}
		return sock
	}
}

func (nm *netModules) connectArgs(call goja.FunctionCall) (host, port string) {
	first := call.Argument(0)
	if obj, ok := first.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			host = "localhost"
			if v := obj.Get("host"); v != nil && !goja.IsUndefined(v) {
				host = v.String()
			}
			if v := obj.Get("port"); v != nil && !goja.IsUndefined(v) {
				port = v.String()
			}
			return host, port
		}
	}
	port = first.String()
	host = "localhost"
	if v := call.Argument(1); !goja.IsUndefined(v) && !goja.IsNull(v) {
		if _, isFn := goja.AssertFunction(v); !isFn {
			host = v.String()
		}
	}
	return host, port
}

// exchange performs one buffered request/response round trip.
func (nm *netModules) exchange(network, host, port string, payload []byte) ([]byte, error) {
	ctx, cancel := nm.requestContext()
	defer cancel()

	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if network == "tls" {
		conn, err = (&tls.Dialer{NetDialer: dialer}).DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	} else {
		conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(host, port))
	}
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return nil, fmt.Errorf("write: %w", err)
		}
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	data, err := io.ReadAll(io.LimitReader(conn, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

// dgramExports wraps createSocket so the returned socket cannot bind or
// join multicast groups; one-shot sends remain possible.
func (nm *netModules) dgramExports() *goja.Object {
	mod := nm.vm.NewObject()
	mod.Set("createSocket", func(call goja.FunctionCall) goja.Value {
		sock := nm.vm.NewObject()
		for _, name := range []string{"bind", "addMembership", "setMulticastTTL", "addSourceSpecificMembership"} {
			denied := name
			sock.Set(denied, func(goja.FunctionCall) goja.Value {
				panic(throwError(nm.vm, "dgram socket %s is not allowed in NodeBooks runtime", denied))
			})
		}
		sock.Set("send", func(c goja.FunctionCall) goja.Value {
			msg := []byte(c.Argument(0).String())
			port := c.Argument(1).String()
			host := c.Argument(2).String()
			cb, hasCb := callbackArg(c)
			go func() {
				conn, err := net.Dial("udp", net.JoinHostPort(host, port))
				if err == nil {
					_, err = conn.Write(msg)
					conn.Close()
				}
				if hasCb {
					nm.loop.submit(func() {
						if err != nil {
							cb(goja.Undefined(), throwError(nm.vm, "%s", err.Error()))
						} else {
							cb(goja.Undefined(), goja.Null())
						}
					})
				}
			}()
			return goja.Undefined()
		})
		sock.Set("close", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		sock.Set("on", func(goja.FunctionCall) goja.Value { return sock })
		return sock
	})
	return mod
}

// installFetch provides a global fetch backed by the host HTTP client,
// with a minimal Response surface.
func (nm *netModules) installFetch() error {
	return nm.vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		vm := nm.vm
		promise, resolve, reject := vm.NewPromise()

		rawURL := call.Argument(0).String()
		method := "GET"
		headers := map[string]string{}
		var body []byte
		if opts := optObject(call, 1); opts != nil {
			if v := opts.Get("method"); v != nil && !goja.IsUndefined(v) {
				method = strings.ToUpper(v.String())
			}
			if v := opts.Get("body"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
				body = []byte(v.String())
			}
			if h := opts.Get("headers"); h != nil {
				if hObj, ok := h.(*goja.Object); ok {
					for _, k := range hObj.Keys() {
						headers[k] = hObj.Get(k).String()
					}
				}
			}
		}

		status, statusText, respHeaders, respBody, err := nm.doRequest(method, rawURL, headers, body)
		if err != nil {
			reject(throwError(vm, "fetch: %s", err.Error()))
			return vm.ToValue(promise)
		}

		res := vm.NewObject()
		res.Set("ok", status >= 200 && status < 300)
		res.Set("status", status)
		res.Set("statusText", statusText)
		res.Set("url", rawURL)
		headersObj := vm.NewObject()
		headersObj.Set("get", func(c goja.FunctionCall) goja.Value {
			if v, ok := respHeaders[strings.ToLower(c.Argument(0).String())]; ok {
				return vm.ToValue(v)
			}
			return goja.Null()
		})
		res.Set("headers", headersObj)
		res.Set("text", func(goja.FunctionCall) goja.Value {
			p, r, _ := vm.NewPromise()
			r(vm.ToValue(string(respBody)))
			return vm.ToValue(p)
		})
		res.Set("json", func(goja.FunctionCall) goja.Value {
			p, r, rj := vm.NewPromise()
			parsed, err := parseJSON(vm, string(respBody))
			if err != nil {
				rj(throwError(vm, "fetch: parse json: %s", err.Error()))
			} else {
				r(parsed)
			}
			return vm.ToValue(p)
		})
		res.Set("arrayBuffer", func(goja.FunctionCall) goja.Value {
			p, r, _ := vm.NewPromise()
			r(vm.ToValue(vm.NewArrayBuffer(respBody)))
			return vm.ToValue(p)
		})
		resolve(res)
		return vm.ToValue(promise)
	})
}

// parseJSON parses text with the vm's own JSON so the result is a native
// JS value.
func parseJSON(vm *goja.Runtime, text string) (goja.Value, error) {
	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, ok := goja.AssertFunction(jsonObj.Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	return parse(jsonObj, vm.ToValue(text))
}
