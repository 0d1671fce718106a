package builder_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/seyoung4503/asgipack/internal/buildcontext"
	"github.com/seyoung4503/asgipack/internal/builder"
	"github.com/seyoung4503/asgipack/internal/descriptor"
	"github.com/seyoung4503/asgipack/internal/layer"
	"github.com/seyoung4503/asgipack/internal/registry"
)

// TestPortBinding launches a built image and proves the declared port is
// reachable from outside the container's network namespace. It needs a
// docker daemon, network access and a real build context (base image plus a
// lock resolved against a live index), so it only runs when pointed at one:
//
//	ASGIPACK_INTEGRATION_CONTEXT=path/to/context go test ./internal/builder
func TestPortBinding(t *testing.T) {
	contextDir := os.Getenv("ASGIPACK_INTEGRATION_CONTEXT")
	if contextDir == "" {
		t.Skip("set ASGIPACK_INTEGRATION_CONTEXT to run the binding test")
	}

	ctx := context.Background()

	cfg, err := descriptor.Load(filepath.Join(contextDir, descriptor.DefaultFile))
	require.NoError(t, err)

	bctx, err := buildcontext.Load(contextDir)
	require.NoError(t, err)

	cache, err := layer.OpenCache(t.TempDir())
	require.NoError(t, err)

	img, err := builder.New(cfg, bctx, cache).Run(ctx)
	require.NoError(t, err)

	tag, err := builder.Tag(bctx.Manifest.Project.Name, bctx.Manifest.Project.Version)
	require.NoError(t, err)

	outputDir := filepath.Join(t.TempDir(), "image")
	require.NoError(t, builder.WriteOutputs(img, cfg, tag, outputDir, false))

	// serve the built image from a loopback registry so the daemon can pull it
	reg, err := registry.Load(map[string]string{"app": filepath.Join(outputDir, "image.tar")})
	require.NoError(t, err)

	host, shutdown, err := registry.Serve(reg)
	require.NoError(t, err)
	defer shutdown()

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", cfg.Port))

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        fmt.Sprintf("%s/app:preloaded", host),
			ExposedPorts: []string{string(containerPort)},
			WaitingFor:   wait.ForListeningPort(containerPort).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer ctr.Terminate(ctx)

	mappedPort, err := ctr.MappedPort(ctx, containerPort)
	require.NoError(t, err)

	ctrHost, err := ctr.Host(ctx)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ctrHost, mappedPort.Port()), 10*time.Second)
	require.NoError(t, err)
	conn.Close()
}
