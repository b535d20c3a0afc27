// Package sandbox implements the Framework/SandboxStore service: clients
// upload job sandboxes with a file transfer, get them back later and
// manage them over RPC.
//
// Content goes to a Backend (memory, filesystem or S3) under a random
// key; an Index (memory or Badger) maps the client's file ID to the key,
// its owner and a BLAKE3 digest of the content.
package sandbox

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/outcome"
	"github.com/marmos91/gridrpc/pkg/registry"
	"github.com/marmos91/gridrpc/pkg/service"
)

// Module is the catalog name of the service.
const Module = "Framework/SandboxStore"

// AdministratorProperty lets a group read and remove every sandbox.
const AdministratorProperty = "SandboxAdministrator"

// Backend and index kinds.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"

	IndexMemory = "memory"
	IndexBadger = "badger"
)

// Options is the service section of the store.
type Options struct {
	Backend  string    `mapstructure:"Backend"`
	BasePath string    `mapstructure:"BasePath"`
	S3       S3Options `mapstructure:"S3"`

	Index     string `mapstructure:"Index"`
	IndexPath string `mapstructure:"IndexPath"`

	// MaxSize bounds one sandbox in bytes; 0 means unlimited.
	MaxSize int64 `mapstructure:"MaxSize"`

	// Retention enables purging of sandboxes older than it.
	Retention     time.Duration `mapstructure:"Retention"`
	PurgeInterval time.Duration `mapstructure:"PurgeInterval"`
	PurgeDryRun   bool          `mapstructure:"PurgeDryRun"`
}

func (o *Options) applyDefaults() {
	o.Backend = strings.ToLower(o.Backend)
	if o.Backend == "" {
		o.Backend = BackendMemory
	}
	o.Index = strings.ToLower(o.Index)
	if o.Index == "" {
		o.Index = IndexMemory
	}
}

func (o *Options) validate() error {
	switch o.Backend {
	case BackendMemory, BackendS3:
	case BackendFilesystem:
		if o.BasePath == "" {
			return fmt.Errorf("backend %s requires BasePath", o.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", o.Backend)
	}
	switch o.Index {
	case IndexMemory, IndexBadger:
	default:
		return fmt.Errorf("unknown index %q", o.Index)
	}
	if o.MaxSize < 0 {
		return fmt.Errorf("MaxSize must not be negative")
	}
	if o.Retention < 0 || o.PurgeInterval < 0 {
		return fmt.Errorf("Retention and PurgeInterval must not be negative")
	}
	return nil
}

// Store is the state of one sandbox service.
type Store struct {
	opts     Options
	registry *registry.Registry
	log      *logger.Logger

	backend Backend
	index   Index
	locks   *keyLocks
	purger  *Purger
	now     func() time.Time
}

// New is the catalog factory of the service.
func New(d *config.ServiceDescriptor, env service.Environment) (*service.Handler, error) {
	_, h, err := build(d, env)
	return h, err
}

func build(d *config.ServiceDescriptor, env service.Environment) (*Store, *service.Handler, error) {
	var opts Options
	if err := d.DecodeOptions(&opts); err != nil {
		return nil, nil, err
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, nil, fmt.Errorf("service %s: %w", d.Name, err)
	}
	// Clones are separate processes: each would open its own index, and
	// a Badger directory can only be held by one of them.
	if d.CloneCount > 1 {
		return nil, nil, fmt.Errorf("service %s: the sandbox index is owned by a single process, CloneCount must be 1 (got %d)",
			d.Name, d.CloneCount)
	}

	h := service.NewHandler(d, env.Logger)
	s := &Store{
		opts:     opts,
		registry: env.Registry,
		log:      h.Logger(),
		locks:    newKeyLocks(),
		now:      time.Now,
	}

	h.OnInitialize(s.open)
	h.OnClose(s.close)

	h.Export("getSandboxInfo", s.getSandboxInfo, service.KindString)
	h.Export("listSandboxes", s.listSandboxes)
	h.Export("removeSandbox", s.removeSandbox, service.KindString)
	h.Export("purgeSandboxes", s.purgeSandboxes)
	h.HandleFileFromClient(s.receive)
	h.HandleFileToClient(s.send)

	for _, m := range []string{"getSandboxInfo", "listSandboxes", "removeSandbox",
		service.FileFromClientMethod, service.FileToClientMethod} {
		h.SetDefaultAuthorization(m, config.TokenAuthenticated)
	}
	h.SetDefaultAuthorization("purgeSandboxes", AdministratorProperty)
	return s, h, nil
}

// open creates the backend and the index.
func (s *Store) open(ctx context.Context) error {
	var err error
	switch s.opts.Backend {
	case BackendFilesystem:
		s.backend, err = NewFSBackend(s.opts.BasePath)
	case BackendS3:
		s.backend, err = NewS3Backend(ctx, s.opts.S3)
	default:
		s.backend = NewMemoryBackend()
	}
	if err != nil {
		return err
	}

	switch s.opts.Index {
	case IndexBadger:
		s.index, err = OpenBadgerIndex(s.opts.IndexPath)
	default:
		s.index = NewMemoryIndex()
	}
	if err != nil {
		_ = s.backend.Close()
		s.backend = nil
		return err
	}

	s.purger = newPurger(s, PurgeConfig{
		Retention: s.opts.Retention,
		Interval:  s.opts.PurgeInterval,
		DryRun:    s.opts.PurgeDryRun,
	})
	s.purger.Start()

	s.log.Info("Sandbox store ready (backend %s, index %s)", s.opts.Backend, s.opts.Index)
	return nil
}

func (s *Store) close() error {
	var errs []error
	if s.purger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		errs = append(errs, s.purger.Stop(ctx))
		cancel()
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	return errors.Join(errs...)
}

// owner is the identity a request acts for.
type owner struct {
	dn    string
	user  string
	group string
}

func ownerOf(sess *service.Session) owner {
	return owner{dn: sess.DN(), user: sess.Username(), group: sess.Group()}
}

func (s *Store) isAdmin(o owner) bool {
	return s.registry != nil && s.registry.HasProperty(o.group, AdministratorProperty)
}

func (s *Store) canAccess(o owner, rec Record) bool {
	return rec.OwnerDN == o.dn || s.isAdmin(o)
}

// lock serializes the writers of one file ID.
func (s *Store) lock(fileID string) func() {
	return s.locks.Lock(fileID)
}

// receive stores an uploaded sandbox. Uploading an existing file ID
// replaces the previous content when the caller owns it.
func (s *Store) receive(ctx context.Context, t *service.Transfer, r io.Reader) outcome.Outcome {
	if t.FileID == "" {
		return outcome.Err("Empty sandbox identifier")
	}
	o := ownerOf(t.Session)

	unlock := s.lock(t.FileID)
	defer unlock()

	prev, err := s.index.Get(ctx, t.FileID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return outcome.Errf("Cannot look up sandbox %s: %v", t.FileID, err)
	}
	if exists && prev.OwnerDN != o.dn {
		return outcome.Errf("Sandbox %s belongs to another user", t.FileID)
	}

	var src io.Reader = r
	if s.opts.MaxSize > 0 {
		src = &limitReader{r: r, max: s.opts.MaxSize}
	}
	hasher := blake3.New()
	key := uuid.NewString()

	size, err := s.backend.Put(ctx, key, io.TeeReader(src, hasher))
	if err != nil {
		if derr := s.backend.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.log.Warn("Removing partial sandbox %s: %v", t.FileID, derr)
		}
		if errors.Is(err, ErrTooLarge) {
			return outcome.Errf("Sandbox %s exceeds the maximum size of %d bytes", t.FileID, s.opts.MaxSize)
		}
		return outcome.Errf("Cannot store sandbox %s: %v", t.FileID, err)
	}

	rec := Record{
		FileID:     t.FileID,
		Key:        key,
		OwnerDN:    o.dn,
		Owner:      o.user,
		OwnerGroup: o.group,
		Size:       size,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
		Created:    s.now().UTC(),
	}
	if err := s.index.Put(ctx, rec); err != nil {
		_ = s.backend.Delete(context.WithoutCancel(ctx), key)
		return outcome.Errf("Cannot index sandbox %s: %v", t.FileID, err)
	}
	if exists {
		if err := s.backend.Delete(ctx, prev.Key); err != nil {
			s.log.Warn("Removing replaced content of %s: %v", t.FileID, err)
		}
	}

	s.log.Info("Stored sandbox %s for %s (%d bytes)", t.FileID, o.user, size)
	return outcome.Ok(rec.Info())
}

// send streams a sandbox back to its owner or to an administrator.
func (s *Store) send(ctx context.Context, t *service.Transfer, w io.Writer) outcome.Outcome {
	rec, err := s.index.Get(ctx, t.FileID)
	if errors.Is(err, ErrNotFound) {
		return outcome.Errf("No sandbox %s", t.FileID)
	}
	if err != nil {
		return outcome.Errf("Cannot look up sandbox %s: %v", t.FileID, err)
	}
	if !s.canAccess(ownerOf(t.Session), rec) {
		return outcome.Errf("Not allowed to read sandbox %s", t.FileID)
	}

	rc, err := s.backend.Get(ctx, rec.Key)
	if err != nil {
		return outcome.Errf("Cannot open sandbox %s: %v", t.FileID, err)
	}
	defer rc.Close()
	return service.CopyFile(w, rc)
}

func (s *Store) getSandboxInfo(ctx context.Context, call *service.Call) (outcome.Outcome, error) {
	fileID := call.String(0)
	rec, err := s.index.Get(ctx, fileID)
	if errors.Is(err, ErrNotFound) {
		return outcome.Errf("No sandbox %s", fileID), nil
	}
	if err != nil {
		return outcome.Outcome{}, err
	}
	if !s.canAccess(ownerOf(call.Session), rec) {
		return outcome.Errf("Not allowed to read sandbox %s", fileID), nil
	}
	return outcome.Ok(rec.Info()), nil
}

// listSandboxes returns the caller's sandboxes, or every sandbox for an
// administrator.
func (s *Store) listSandboxes(ctx context.Context, call *service.Call) (outcome.Outcome, error) {
	recs, err := s.index.List(ctx)
	if err != nil {
		return outcome.Outcome{}, err
	}
	o := ownerOf(call.Session)
	admin := s.isAdmin(o)

	out := make([]any, 0, len(recs))
	for _, rec := range recs {
		if admin || rec.OwnerDN == o.dn {
			out = append(out, rec.Info())
		}
	}
	return outcome.Ok(out), nil
}

func (s *Store) removeSandbox(ctx context.Context, call *service.Call) (outcome.Outcome, error) {
	fileID := call.String(0)

	unlock := s.lock(fileID)
	defer unlock()

	rec, err := s.index.Get(ctx, fileID)
	if errors.Is(err, ErrNotFound) {
		return outcome.Errf("No sandbox %s", fileID), nil
	}
	if err != nil {
		return outcome.Outcome{}, err
	}
	o := ownerOf(call.Session)
	if !s.canAccess(o, rec) {
		return outcome.Errf("Not allowed to remove sandbox %s", fileID), nil
	}

	if err := s.index.Delete(ctx, fileID); err != nil {
		return outcome.Outcome{}, err
	}
	if err := s.backend.Delete(ctx, rec.Key); err != nil {
		s.log.Warn("Removing content of %s: %v", fileID, err)
	}
	s.log.Info("Removed sandbox %s for %s", fileID, o.user)
	return outcome.Ok(rec.Size), nil
}

// purgeSandboxes runs the purger now. Without a retention nothing expires.
func (s *Store) purgeSandboxes(ctx context.Context, _ *service.Call) (outcome.Outcome, error) {
	stats, err := s.purger.RunNow(ctx)
	if err != nil {
		return outcome.Outcome{}, err
	}
	s.log.Info("Manual sandbox purge: %s", stats.Summary())
	return outcome.Ok(stats.Info()), nil
}
