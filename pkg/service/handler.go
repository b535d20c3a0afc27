// Package service turns one configured service into something a reactor
// can serve: a table of exported methods with their declared argument
// kinds, optional file transfer callbacks, and the per-connection
// protocol engine that dispatches to them.
package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/outcome"
)

// Synthetic method names authorized before a file transfer.
const (
	FileFromClientMethod = "FileTransfer/FromClient"
	FileToClientMethod   = "FileTransfer/ToClient"
)

// MethodFunc implements an exported method. Expected failures are
// returned as a failed Outcome; a non-nil error (or a panic) is reported
// to the caller as an error while serving the method.
type MethodFunc func(ctx context.Context, call *Call) (outcome.Outcome, error)

// Method is one entry of a handler's method table.
type Method struct {
	Name string
	Func MethodFunc

	// Types are the declared kinds of the positional arguments. Typed is
	// false for methods registered without a declaration.
	Types []Kind
	Typed bool
}

// Call is the invocation passed to a MethodFunc.
type Call struct {
	Method  string
	Args    []any
	Kwargs  map[string]any
	Session *Session
}

// Arg returns positional argument i, or nil when absent.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// String returns positional argument i as a string.
func (c *Call) String(i int) string {
	s, _ := c.Arg(i).(string)
	return s
}

// Int returns positional argument i as an int64.
func (c *Call) Int(i int) int64 {
	switch v := c.Arg(i).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	}
	return 0
}

// Transfer describes a file transfer handed to a callback.
type Transfer struct {
	FileID    string
	Direction string
	Session   *Session
}

// FileFromClientFunc receives a file the client uploads. r returns io.EOF
// at the end of the file.
type FileFromClientFunc func(ctx context.Context, t *Transfer, r io.Reader) outcome.Outcome

// FileToClientFunc streams a file to the client through w.
type FileToClientFunc func(ctx context.Context, t *Transfer, w io.Writer) outcome.Outcome

// Handler is the method table of one service.
//
// Handlers are built by a Catalog factory at startup and are read-only
// while serving. The same Handler serves every connection of its
// endpoint; per-method serialization is done through its LockManager.
type Handler struct {
	descriptor *config.ServiceDescriptor
	log        *logger.Logger

	methods     map[string]*Method
	defaultAuth map[string][]string

	fromClient FileFromClientFunc
	toClient   FileToClientFunc

	onInit  []func(ctx context.Context) error
	onClose []func() error

	locks   *LockManager
	started time.Time
	version string

	closeOnce sync.Once
}

// NewHandler creates a handler for d with the default ping method.
func NewHandler(d *config.ServiceDescriptor, log *logger.Logger) *Handler {
	h := &Handler{
		descriptor:  d,
		log:         log.With("service", d.Name),
		methods:     make(map[string]*Method),
		defaultAuth: make(map[string][]string),
		locks:       NewLockManager(),
		started:     time.Now(),
		version:     Version,
	}
	h.Export("ping", h.ping)
	h.SetDefaultAuthorization("ping", config.TokenAll)
	return h
}

// Export registers fn under name with the declared positional kinds. A
// method taking no arguments is exported with no kinds.
func (h *Handler) Export(name string, fn MethodFunc, types ...Kind) {
	h.methods[name] = &Method{
		Name:  name,
		Func:  fn,
		Types: append([]Kind{}, types...),
		Typed: true,
	}
}

// ExportUntyped registers fn without a type declaration. Calls to such a
// method fail as a handler defect; it exists for handlers being ported
// and for tests.
func (h *Handler) ExportUntyped(name string, fn MethodFunc) {
	h.methods[name] = &Method{Name: name, Func: fn}
}

// SetDefaultAuthorization sets the tokens allowed to call method when the
// service configuration has no entry for it.
func (h *Handler) SetDefaultAuthorization(method string, tokens ...string) {
	h.defaultAuth[strings.ToLower(method)] = tokens
}

// HandleFileFromClient enables uploads.
func (h *Handler) HandleFileFromClient(fn FileFromClientFunc) {
	h.fromClient = fn
}

// HandleFileToClient enables downloads.
func (h *Handler) HandleFileToClient(fn FileToClientFunc) {
	h.toClient = fn
}

// OnInitialize adds a hook run by Initialize.
func (h *Handler) OnInitialize(fn func(ctx context.Context) error) {
	h.onInit = append(h.onInit, fn)
}

// OnClose adds a hook run by Close, in reverse order of registration.
func (h *Handler) OnClose(fn func() error) {
	h.onClose = append(h.onClose, fn)
}

// SetVersion overrides the version reported by ping.
func (h *Handler) SetVersion(v string) {
	h.version = v
}

// Initialize runs the initialization hooks, stopping at the first error.
func (h *Handler) Initialize(ctx context.Context) error {
	for _, fn := range h.onInit {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", h.descriptor.Name, err)
		}
	}
	h.started = time.Now()
	return nil
}

// Close runs the close hooks once and returns the first error.
func (h *Handler) Close() error {
	var first error
	h.closeOnce.Do(func() {
		for i := len(h.onClose) - 1; i >= 0; i-- {
			if err := h.onClose[i](); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

func (h *Handler) Descriptor() *config.ServiceDescriptor {
	return h.descriptor
}

func (h *Handler) Logger() *logger.Logger {
	return h.log
}

// Method looks up an exported method.
func (h *Handler) Method(name string) (*Method, bool) {
	m, ok := h.methods[name]
	return m, ok
}

// Methods lists the exported method names in order.
func (h *Handler) Methods() []string {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Locks returns the per-method lock manager.
func (h *Handler) Locks() *LockManager {
	return h.locks
}

// Uptime is the time since the handler was initialized.
func (h *Handler) Uptime() time.Duration {
	return time.Since(h.started)
}

// AllowedTokens resolves the authorization entry of method: the service
// configuration entry, then the handler default, then the configured
// Default entry.
func (h *Handler) AllowedTokens(method string) ([]string, bool) {
	key := strings.ToLower(method)
	if tokens, ok := h.descriptor.Authorization[key]; ok {
		return tokens, true
	}
	if tokens, ok := h.defaultAuth[key]; ok {
		return tokens, true
	}
	return h.descriptor.AllowedTokens(config.DefaultAuthorizationEntry)
}
