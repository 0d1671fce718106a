package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
	"github.com/seyoung4503/asgipack/internal/descriptor"
	"github.com/seyoung4503/asgipack/internal/layer"
	"github.com/seyoung4503/asgipack/internal/pydeps"
)

// WorkDir is where the application source lands inside the image and where
// the launch directive runs.
const WorkDir = "/app"

// ResolutionError marks a base image that could not be resolved. These are
// registry or network failures: retryable, unlike consistency errors.
type ResolutionError struct {
	Ref string
	Err error
}

func (e *ResolutionError) Error() string {
	return "resolve " + e.Ref + ": " + e.Err.Error()
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError reports whether err (or anything it wraps) is a
// ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// RefResolver resolves a pinned reference to an image. The default
// implementation talks to the registry the reference names; tests and
// preloaded builds substitute their own.
type RefResolver interface {
	Resolve(ctx context.Context, ref name.Reference) (v1.Image, error)
}

// RemoteResolver resolves references over the network.
type RemoteResolver struct{}

func (RemoteResolver) Resolve(ctx context.Context, ref name.Reference) (v1.Image, error) {
	return remote.Image(ref, remote.WithContext(ctx))
}

// Builder deterministically transforms a build context into an immutable
// image. One Builder runs one build; it is not reused.
type Builder struct {
	cfg   descriptor.Config
	bctx  buildcontext.Context
	cache *layer.Cache

	resolver  RefResolver
	installer *pydeps.Installer

	state      State
	base       v1.Image
	layers     []v1.Layer
	env        []string
	entrypoint []string

	depsKey  string
	depsHit  bool
	srcKey   string
	manifKey string
}

// Option configures a Builder.
type Option func(*Builder)

// WithResolver substitutes the base image resolver.
func WithResolver(r RefResolver) Option {
	return func(b *Builder) { b.resolver = r }
}

// WithFetcher substitutes the wheel fetcher used by the frozen install.
func WithFetcher(f pydeps.Fetcher) Option {
	return func(b *Builder) { b.installer = &pydeps.Installer{Fetcher: f} }
}

// New prepares a builder over a validated descriptor and a loaded build
// context. The cache is shared across builds and only appended to.
func New(cfg descriptor.Config, bctx buildcontext.Context, cache *layer.Cache, opts ...Option) *Builder {
	b := &Builder{
		cfg:      cfg,
		bctx:     bctx,
		cache:    cache,
		resolver: RemoteResolver{},
		installer: &pydeps.Installer{
			Fetcher: &pydeps.HTTPFetcher{},
		},
		state: StateInitial,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Run drives the pipeline to completion and returns the finalized image.
// Any step failure aborts the build; no partially-configured image is ever
// returned, and the state reports the last completed step.
func (b *Builder) Run(ctx context.Context) (v1.Image, error) {
	if b.cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	steps := []struct {
		to State
		fn func(context.Context) error
	}{
		{StateBaseSelected, b.stage},
		{StateManifestCopied, b.copyManifest},
		{StateDependenciesInstalled, b.installDependencies},
		{StateSourceCopied, b.copySource},
		{StateEnvironmentSet, b.setEnvironment},
		{StateLaunchDirectiveSet, b.setLaunchDirective},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return nil, err
		}
		if err := b.advance(step.to); err != nil {
			return nil, err
		}
	}

	img, err := b.finalize()
	if err != nil {
		return nil, err
	}
	if err := b.advance(StateImageFinalized); err != nil {
		return nil, err
	}

	return img, nil
}

// stage resolves the pinned base runtime. Failures here are resolution
// errors: nothing about the build context is wrong, the operator retries or
// fixes connectivity.
func (b *Builder) stage(ctx context.Context) error {
	ref, err := b.cfg.BaseRef()
	if err != nil {
		return err
	}

	logrus.Infof("staging base %s", ref.String())

	img, err := b.resolver.Resolve(ctx, ref)
	if err != nil {
		return &ResolutionError{Ref: ref.String(), Err: err}
	}

	b.base = img
	return nil
}

// copyManifest layers in only the manifest and lock, ahead of everything
// else. Source edits therefore never touch this layer or the dependency
// layer that keys off it.
func (b *Builder) copyManifest(ctx context.Context) error {
	include := func(rel string) bool {
		return rel == buildcontext.ManifestFile || rel == buildcontext.LockFile
	}

	hash, err := layer.HashTree(b.bctx.Dir, include)
	if err != nil {
		return errors.Wrap(err, "hash manifest")
	}
	b.manifKey = layer.Key(layer.KindManifest, hash)

	l, err := b.cachedLayer(b.manifKey, func() (v1.Layer, error) {
		return layer.FromDir(b.bctx.Dir, include, WorkDir)
	})
	if err != nil {
		return errors.Wrap(err, "copy manifest")
	}

	b.layers = append(b.layers, l)
	return nil
}

// installDependencies is the frozen install: it first proves the lock was
// resolved from this exact manifest, then materializes only what the lock
// pins. It never falls back to resolving from the manifest.
func (b *Builder) installDependencies(ctx context.Context) error {
	if err := b.bctx.Verify(); err != nil {
		return err
	}

	lockBytes, err := os.ReadFile(b.bctx.LockPath())
	if err != nil {
		return errors.Wrap(err, "read lock")
	}

	h := sha256.New()
	h.Write(lockBytes)
	io.WriteString(h, "\npython="+b.cfg.Python)
	b.depsKey = layer.Key(layer.KindDeps, hex.EncodeToString(h.Sum(nil)))

	if cached, ok, err := b.cache.Get(b.depsKey); err != nil {
		return errors.Wrap(err, "check dependency layer cache")
	} else if ok {
		logrus.Info("dependency layer unchanged, reusing cached layer")
		b.depsHit = true
		b.layers = append(b.layers, cached)
		return nil
	}

	staging, err := os.MkdirTemp("", "asgipack-deps-*")
	if err != nil {
		return errors.Wrap(err, "create install staging dir")
	}
	defer os.RemoveAll(staging)

	err = b.installer.Install(ctx, b.bctx.Lock, staging, b.cfg.SitePackages())
	if err != nil {
		return errors.Wrap(err, "frozen install")
	}

	l, err := layer.FromDir(staging, nil, "")
	if err != nil {
		return errors.Wrap(err, "build dependency layer")
	}

	if err := b.cache.Put(b.depsKey, l); err != nil {
		return errors.Wrap(err, "cache dependency layer")
	}

	b.layers = append(b.layers, l)
	return nil
}

// copySource layers in the rest of the build context. The manifest and lock
// are already in their own layer; VCS metadata, caches and prior build
// outputs stay out.
func (b *Builder) copySource(ctx context.Context) error {
	include := func(rel string) bool {
		if rel == buildcontext.ManifestFile || rel == buildcontext.LockFile {
			return false
		}
		if rel == descriptor.DefaultFile {
			return false
		}

		base := rel
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			base = rel[i+1:]
		}
		switch base {
		case ".git", "__pycache__", ".venv":
			return false
		}
		return !strings.HasSuffix(base, ".pyc")
	}

	hash, err := layer.HashTree(b.bctx.Dir, include)
	if err != nil {
		return errors.Wrap(err, "hash source")
	}
	b.srcKey = layer.Key(layer.KindSource, hash)

	l, err := b.cachedLayer(b.srcKey, func() (v1.Layer, error) {
		return layer.FromDir(b.bctx.Dir, include, WorkDir)
	})
	if err != nil {
		return errors.Wrap(err, "copy source")
	}

	b.layers = append(b.layers, l)
	return nil
}

// setEnvironment fixes the process environment at build time: unbuffered
// stdio and a pinned UTF-8 locale, plus descriptor extras. The descriptor
// cannot override the pinned set; that is enforced at load time.
func (b *Builder) setEnvironment(ctx context.Context) error {
	b.env = b.cfg.Environment()
	logrus.Debugf("image environment: %s", strings.Join(b.env, " "))
	return nil
}

// setLaunchDirective records the single command executed as the container's
// main process, bound to all interfaces on the fixed port.
func (b *Builder) setLaunchDirective(ctx context.Context) error {
	b.entrypoint = b.cfg.Command()
	logrus.Debugf("launch directive: %s", strings.Join(b.entrypoint, " "))
	return nil
}

// finalize composes the layers over the base and stamps the image config.
func (b *Builder) finalize() (v1.Image, error) {
	img, err := mutate.AppendLayers(b.base, b.layers...)
	if err != nil {
		return nil, errors.Wrap(err, "append layers")
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return nil, errors.Wrap(err, "load base config")
	}

	config := *cf.Config.DeepCopy()
	config.WorkingDir = WorkDir
	config.Env = mergeEnv(config.Env, b.env)
	config.Entrypoint = b.entrypoint
	config.Cmd = nil
	config.ExposedPorts = map[string]struct{}{
		strconv.Itoa(b.cfg.Port) + "/tcp": {},
	}

	if len(b.cfg.Labels) > 0 {
		if config.Labels == nil {
			config.Labels = map[string]string{}
		}
		for k, v := range b.cfg.Labels {
			config.Labels[k] = v
		}
	}

	img, err = mutate.Config(img, config)
	if err != nil {
		return nil, errors.Wrap(err, "set image config")
	}

	return img, nil
}

// DependencyCacheKey exposes the cache key of the dependency-install layer.
// Two builds over the same lock must report the same key.
func (b *Builder) DependencyCacheKey() string { return b.depsKey }

// DependencyCacheHit reports whether the dependency layer came from cache.
func (b *Builder) DependencyCacheHit() bool { return b.depsHit }

func (b *Builder) cachedLayer(key string, build func() (v1.Layer, error)) (v1.Layer, error) {
	if cached, ok, err := b.cache.Get(key); err != nil {
		return nil, err
	} else if ok {
		return cached, nil
	}

	l, err := build()
	if err != nil {
		return nil, err
	}

	if err := b.cache.Put(key, l); err != nil {
		return nil, err
	}

	return l, nil
}

// mergeEnv overlays ours onto base: a variable set by the build replaces
// any value the base image carried for the same name.
func mergeEnv(base, ours []string) []string {
	replaced := map[string]bool{}
	for _, kv := range ours {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			replaced[kv[:i]] = true
		}
	}

	merged := make([]string, 0, len(base)+len(ours))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 && replaced[kv[:i]] {
			continue
		}
		merged = append(merged, kv)
	}

	return append(merged, ours...)
}
