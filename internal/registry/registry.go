package registry

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"path"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Registry holds images loaded from local tarballs so builds can resolve
// pinned references without fetching at build time, and so built images can
// be pulled by a local container runtime.
type Registry struct {
	images map[string]v1.Image
}

// Load reads OCI image tarballs into memory. The map key is the short name
// the image is addressed by once the registry is served.
func Load(imagePaths map[string]string) (*Registry, error) {
	images := make(map[string]v1.Image, len(imagePaths))

	for imgName, path := range imagePaths {
		image, err := tarball.ImageFromPath(path, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "load image tarball %s", path)
		}
		images[imgName] = image
	}

	return &Registry{images: images}, nil
}

// Image returns a loaded image by short name.
func (r *Registry) Image(imgName string) (v1.Image, bool) {
	img, ok := r.images[imgName]
	return img, ok
}

// Serve exposes the registry on a loopback port and pushes every loaded
// image into it. It returns the registry host (host:port) and a shutdown
// func. Loopback registries are treated as insecure by container runtimes,
// so no TLS is needed.
func Serve(r *Registry) (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, errors.Wrap(err, "listen")
	}

	router := httprouter.New()
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	})
	registryLog := log.New(logrus.StandardLogger().WriterLevel(logrus.DebugLevel), "", 0)
	router.NotFound = registry.New(registry.Logger(registryLog))

	server := &http.Server{Handler: router}
	go server.Serve(listener)

	host := listener.Addr().String()

	for imgName, image := range r.images {
		ref, err := name.NewTag(fmt.Sprintf("%s/%s:preloaded", host, imgName))
		if err != nil {
			server.Close()
			return "", nil, errors.Wrapf(err, "tag preloaded image %s", imgName)
		}

		if err := remote.Write(ref, image); err != nil {
			server.Close()
			return "", nil, errors.Wrapf(err, "push preloaded image %s", imgName)
		}

		logrus.Debugf("preloaded %s as %s", imgName, ref.String())
	}

	return host, func() { server.Close() }, nil
}

// Resolver resolves references against preloaded images first and falls
// back to the network for everything else.
type Resolver struct {
	Registry *Registry
	Fallback func(ctx context.Context, ref name.Reference) (v1.Image, error)
}

func (r *Resolver) Resolve(ctx context.Context, ref name.Reference) (v1.Image, error) {
	if r.Registry != nil {
		repo := ref.Context().RepositoryStr()
		for _, candidate := range []string{repo, path.Base(repo)} {
			if img, ok := r.Registry.Image(candidate); ok {
				logrus.Debugf("resolved %s from preloaded images", ref.String())
				return img, nil
			}
		}
	}

	if r.Fallback != nil {
		return r.Fallback(ctx, ref)
	}

	return remote.Image(ref, remote.WithContext(ctx))
}
