package runtime

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// fsModule is the path-confined filesystem exposed to cells as fs,
// node:fs, fs/promises and node:fs/promises. Every path argument is
// normalized to an absolute, symlink-resolved form and validated to lie
// within the workspace directory.
type fsModule struct {
	vm   *goja.Runtime
	loop *eventLoop
	root string // resolved workspace dir
}

func newFSModule(vm *goja.Runtime, loop *eventLoop, root string) *fsModule {
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &fsModule{vm: vm, loop: loop, root: root}
}

// confine resolves a path argument and rejects anything outside the
// workspace. The original (pre-resolution) spelling is used in the error
// so the user sees the path they passed.
func (m *fsModule) confine(raw string) string {
	resolved, err := m.canonicalize(raw)
	if err != nil {
		panic(throwError(m.vm, "Access to path %q is not allowed in this notebook runtime", raw))
	}
	if resolved != m.root && !strings.HasPrefix(resolved, m.root+string(filepath.Separator)) {
		panic(throwError(m.vm, "Access to path %q is not allowed in this notebook runtime", raw))
	}
	return resolved
}

// canonicalize cleans and resolves a path to its absolute, symlink-free
// form. Relative paths are anchored at the workspace dir. For paths that
// do not exist yet, the parent chain is resolved and the base name
// appended.
func (m *fsModule) canonicalize(path string) (string, error) {
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		if os.IsNotExist(err) {
			// Deep non-existent chain: resolve the nearest existing
			// ancestor and rebuild the remainder lexically.
			return m.canonicalizeMissing(path)
		}
		return "", err
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

func (m *fsModule) canonicalizeMissing(path string) (string, error) {
	dir := path
	var rest []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return path, nil
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
	}
}

// pathArg accepts string, URL (file scheme) and Buffer spellings.
func (m *fsModule) pathArg(call goja.FunctionCall, idx int) string {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(throwTypeError(m.vm, "path argument is required"))
	}
	if obj, ok := v.(*goja.Object); ok {
		if href := obj.Get("href"); href != nil && !goja.IsUndefined(href) {
			if u, err := url.Parse(href.String()); err == nil && u.Scheme == "file" {
				return u.Path
			}
		}
		if b, ok := obj.Export().([]byte); ok {
			return string(b)
		}
	}
	if b, ok := v.Export().([]byte); ok {
		return string(b)
	}
	return v.String()
}

// encodingArg extracts an encoding from a string or {encoding} options
// argument. Empty means "return a Buffer".
func (m *fsModule) encodingArg(call goja.FunctionCall, idx int) string {
	v := call.Argument(idx)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	if obj, ok := v.(*goja.Object); ok {
		if enc := obj.Get("encoding"); enc != nil && !goja.IsUndefined(enc) && !goja.IsNull(enc) {
			return enc.String()
		}
		return ""
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return ""
	}
	return v.String()
}

func (m *fsModule) dataBytes(v goja.Value) []byte {
	switch data := v.Export().(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	case goja.ArrayBuffer:
		return data.Bytes()
	default:
		return []byte(v.String())
	}
}

func (m *fsModule) newBuffer(data []byte) goja.Value {
	bufCtor := m.vm.Get("Buffer")
	if bufCtor == nil || goja.IsUndefined(bufCtor) {
		return m.vm.ToValue(string(data))
	}
	from, ok := goja.AssertFunction(bufCtor.ToObject(m.vm).Get("from"))
	if !ok {
		return m.vm.ToValue(string(data))
	}
	val, err := from(bufCtor, m.vm.ToValue(m.vm.NewArrayBuffer(data)))
	if err != nil {
		return m.vm.ToValue(string(data))
	}
	return val
}

func (m *fsModule) boolOpt(call goja.FunctionCall, idx int, key string) bool {
	if obj := optObject(call, idx); obj != nil {
		if v := obj.Get(key); v != nil && v.ToBoolean() {
			return true
		}
	}
	return false
}

// statsObject mirrors the subset of fs.Stats user code commonly inspects.
func (m *fsModule) statsObject(fi os.FileInfo) goja.Value {
	obj := m.vm.NewObject()
	isDir := fi.IsDir()
	isLink := fi.Mode()&os.ModeSymlink != 0
	obj.Set("size", fi.Size())
	obj.Set("mode", uint32(fi.Mode().Perm()))
	obj.Set("mtimeMs", float64(fi.ModTime().UnixNano())/1e6)
	obj.Set("isFile", func(goja.FunctionCall) goja.Value { return m.vm.ToValue(!isDir && !isLink) })
	obj.Set("isDirectory", func(goja.FunctionCall) goja.Value { return m.vm.ToValue(isDir) })
	obj.Set("isSymbolicLink", func(goja.FunctionCall) goja.Value { return m.vm.ToValue(isLink) })
	return obj
}

// opError converts a Go filesystem error into a JS Error value without
// panicking, for callback and promise delivery.
func (m *fsModule) opError(err error) goja.Value {
	return throwError(m.vm, "%s", err.Error())
}

// sync core operations -------------------------------------------------

func (m *fsModule) readFile(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	enc := m.encodingArg(call, 1)
	data, err := os.ReadFile(path)
	if err != nil {
		panic(m.opError(err))
	}
	if enc != "" {
		return m.vm.ToValue(string(data))
	}
	return m.newBuffer(data)
}

func (m *fsModule) writeFile(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	data := m.dataBytes(call.Argument(1))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) appendFile(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	data := m.dataBytes(call.Argument(1))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		panic(m.opError(err))
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil {
		panic(m.opError(werr))
	}
	if cerr != nil {
		panic(m.opError(cerr))
	}
	return goja.Undefined()
}

func (m *fsModule) mkdir(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	var err error
	if m.boolOpt(call, 1, "recursive") {
		err = os.MkdirAll(path, 0o755)
	} else {
		err = os.Mkdir(path, 0o755)
	}
	if err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) rm(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	recursive := m.boolOpt(call, 1, "recursive")
	force := m.boolOpt(call, 1, "force")
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil && !(force && os.IsNotExist(err)) {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) rmdir(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	if m.boolOpt(call, 1, "recursive") {
		if err := os.RemoveAll(path); err != nil {
			panic(m.opError(err))
		}
		return goja.Undefined()
	}
	if err := os.Remove(path); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) unlink(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	if err := os.Remove(path); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) stat(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	fi, err := os.Stat(path)
	if err != nil {
		panic(m.opError(err))
	}
	return m.statsObject(fi)
}

func (m *fsModule) lstat(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	fi, err := os.Lstat(path)
	if err != nil {
		panic(m.opError(err))
	}
	return m.statsObject(fi)
}

func (m *fsModule) readdir(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	withTypes := m.boolOpt(call, 1, "withFileTypes")
	entries, err := os.ReadDir(path)
	if err != nil {
		panic(m.opError(err))
	}
	out := make([]any, 0, len(entries))
	for _, entry := range entries {
		if !withTypes {
			out = append(out, entry.Name())
			continue
		}
		dirent := m.vm.NewObject()
		isDir := entry.IsDir()
		dirent.Set("name", entry.Name())
		dirent.Set("isFile", func(goja.FunctionCall) goja.Value { return m.vm.ToValue(!isDir) })
		dirent.Set("isDirectory", func(goja.FunctionCall) goja.Value { return m.vm.ToValue(isDir) })
		out = append(out, dirent)
	}
	return m.vm.ToValue(out)
}

func (m *fsModule) rename(call goja.FunctionCall) goja.Value {
	from := m.confine(m.pathArg(call, 0))
	to := m.confine(m.pathArg(call, 1))
	if err := os.Rename(from, to); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) copyFile(call goja.FunctionCall) goja.Value {
	from := m.confine(m.pathArg(call, 0))
	to := m.confine(m.pathArg(call, 1))
	data, err := os.ReadFile(from)
	if err != nil {
		panic(m.opError(err))
	}
	if err := os.WriteFile(to, data, 0o644); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) cp(call goja.FunctionCall) goja.Value {
	from := m.confine(m.pathArg(call, 0))
	to := m.confine(m.pathArg(call, 1))
	fi, err := os.Stat(from)
	if err != nil {
		panic(m.opError(err))
	}
	if fi.IsDir() {
		if !m.boolOpt(call, 2, "recursive") {
			panic(m.opError(fmt.Errorf("cp: %s is a directory (set recursive)", from)))
		}
		if err := os.CopyFS(to, os.DirFS(from)); err != nil {
			panic(m.opError(err))
		}
		return goja.Undefined()
	}
	data, err := os.ReadFile(from)
	if err != nil {
		panic(m.opError(err))
	}
	if err := os.WriteFile(to, data, fi.Mode().Perm()); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) realpath(call goja.FunctionCall) goja.Value {
	return m.vm.ToValue(m.confine(m.pathArg(call, 0)))
}

func (m *fsModule) readlink(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	target, err := os.Readlink(path)
	if err != nil {
		panic(m.opError(err))
	}
	return m.vm.ToValue(target)
}

func (m *fsModule) link(call goja.FunctionCall) goja.Value {
	from := m.confine(m.pathArg(call, 0))
	to := m.confine(m.pathArg(call, 1))
	if err := os.Link(from, to); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) symlink(call goja.FunctionCall) goja.Value {
	from := m.confine(m.pathArg(call, 0))
	to := m.confine(m.pathArg(call, 1))
	if err := os.Symlink(from, to); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) access(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	if _, err := os.Stat(path); err != nil {
		panic(m.opError(err))
	}
	return goja.Undefined()
}

func (m *fsModule) exists(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	_, err := os.Stat(path)
	return m.vm.ToValue(err == nil)
}

func (m *fsModule) watch(call goja.FunctionCall) goja.Value {
	m.confine(m.pathArg(call, 0))
	// Confinement enforced; the kernel has no fs-event loop, so the
	// returned watcher is inert.
	watcher := m.vm.NewObject()
	watcher.Set("close", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	watcher.Set("on", func(goja.FunctionCall) goja.Value { return watcher })
	return watcher
}

func (m *fsModule) createReadStream(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	stream := m.vm.NewObject()
	handlers := map[string][]goja.Callable{}
	scheduled := false
	stream.Set("on", func(c goja.FunctionCall) goja.Value {
		event := c.Argument(0).String()
		if fn, ok := goja.AssertFunction(c.Argument(1)); ok {
			handlers[event] = append(handlers[event], fn)
			if !scheduled && (event == "end" || event == "data") {
				scheduled = true
				m.loop.submit(func() {
					data, err := os.ReadFile(path)
					if err != nil {
						for _, h := range handlers["error"] {
							h(goja.Undefined(), m.opError(err))
						}
						return
					}
					for _, h := range handlers["data"] {
						h(goja.Undefined(), m.newBuffer(data))
					}
					for _, h := range handlers["end"] {
						h(goja.Undefined())
					}
				})
			}
		}
		return stream
	})
	return stream
}

func (m *fsModule) createWriteStream(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	var buf []byte
	stream := m.vm.NewObject()
	stream.Set("write", func(c goja.FunctionCall) goja.Value {
		buf = append(buf, m.dataBytes(c.Argument(0))...)
		return m.vm.ToValue(true)
	})
	stream.Set("end", func(c goja.FunctionCall) goja.Value {
		if len(c.Arguments) > 0 {
			if v := c.Argument(0); !goja.IsUndefined(v) && !goja.IsNull(v) {
				if _, isFn := goja.AssertFunction(v); !isFn {
					buf = append(buf, m.dataBytes(v)...)
				}
			}
		}
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			panic(m.opError(err))
		}
		return goja.Undefined()
	})
	stream.Set("on", func(goja.FunctionCall) goja.Value { return stream })
	return stream
}

// module assembly -------------------------------------------------------

type fsOp struct {
	name string
	fn   func(goja.FunctionCall) goja.Value
}

func (m *fsModule) ops() []fsOp {
	return []fsOp{
		{"readFile", m.readFile},
		{"writeFile", m.writeFile},
		{"appendFile", m.appendFile},
		{"mkdir", m.mkdir},
		{"rm", m.rm},
		{"rmdir", m.rmdir},
		{"unlink", m.unlink},
		{"stat", m.stat},
		{"lstat", m.lstat},
		{"readdir", m.readdir},
		{"rename", m.rename},
		{"copyFile", m.copyFile},
		{"cp", m.cp},
		{"realpath", m.realpath},
		{"readlink", m.readlink},
		{"link", m.link},
		{"symlink", m.symlink},
		{"access", m.access},
	}
}

// exports builds the fs module object: Sync forms, Node-style callback
// forms, and the promises namespace.
func (m *fsModule) exports() *goja.Object {
	fs := m.vm.NewObject()
	promises := m.vm.NewObject()

	for _, op := range m.ops() {
		op := op
		fs.Set(op.name+"Sync", op.fn)
		fs.Set(op.name, m.callbackForm(op.fn))
		promises.Set(op.name, m.promiseForm(op.fn))
	}

	fs.Set("existsSync", m.exists)
	fs.Set("watch", m.watch)
	fs.Set("createReadStream", m.createReadStream)
	fs.Set("createWriteStream", m.createWriteStream)
	promises.Set("open", m.promiseForm(m.open))
	fs.Set("promises", promises)
	return fs
}

// promisesExports is the fs/promises module surface.
func (m *fsModule) promisesExports() *goja.Object {
	promises := m.vm.NewObject()
	for _, op := range m.ops() {
		promises.Set(op.name, m.promiseForm(op.fn))
	}
	promises.Set("open", m.promiseForm(m.open))
	return promises
}

// open returns a minimal FileHandle for the promises API.
func (m *fsModule) open(call goja.FunctionCall) goja.Value {
	path := m.confine(m.pathArg(call, 0))
	handle := m.vm.NewObject()
	handle.Set("readFile", m.promiseForm(func(c goja.FunctionCall) goja.Value {
		data, err := os.ReadFile(path)
		if err != nil {
			panic(m.opError(err))
		}
		if enc := m.encodingArg(c, 0); enc != "" {
			return m.vm.ToValue(string(data))
		}
		return m.newBuffer(data)
	}))
	handle.Set("writeFile", m.promiseForm(func(c goja.FunctionCall) goja.Value {
		if err := os.WriteFile(path, m.dataBytes(c.Argument(0)), 0o644); err != nil {
			panic(m.opError(err))
		}
		return goja.Undefined()
	}))
	handle.Set("close", m.promiseForm(func(goja.FunctionCall) goja.Value {
		return goja.Undefined()
	}))
	return handle
}

// callbackForm adapts a sync op to Node's (err, result) callback style,
// delivering the callback through the event loop.
func (m *fsModule) callbackForm(fn func(goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		cb, ok := callbackArg(call)
		if !ok {
			return fn(call)
		}
		result, err := m.capture(fn, call)
		m.loop.submit(func() {
			if err != nil {
				cb(goja.Undefined(), err)
				return
			}
			cb(goja.Undefined(), goja.Null(), result)
		})
		return goja.Undefined()
	}
}

// promiseForm adapts a sync op to a promise-returning form.
func (m *fsModule) promiseForm(fn func(goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := m.vm.NewPromise()
		result, err := m.capture(fn, call)
		if err != nil {
			reject(err)
		} else {
			resolve(result)
		}
		return m.vm.ToValue(promise)
	}
}

// capture runs a sync op, converting its panic-thrown JS errors into
// values.
func (m *fsModule) capture(fn func(goja.FunctionCall) goja.Value, call goja.FunctionCall) (result goja.Value, errValue goja.Value) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := r.(goja.Value); ok {
				errValue = v
				return
			}
			panic(r)
		}
	}()
	return fn(call), nil
}
