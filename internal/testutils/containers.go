//go:build integration

package testutils

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

// WebDAVShare is a real WebDAV server exposing a share the way the public
// share endpoint does: under /public.php/webdav/ with the share id and
// password as basic auth credentials.
type WebDAVShare struct {
	Container testcontainers.Container
	BaseURL   string
	ID        string
	Password  string
}

// URL returns the share link for the served files.
func (s *WebDAVShare) URL() string {
	return fmt.Sprintf("%s/s/%s/%s", s.BaseURL, s.ID, s.Password)
}

// Close terminates the container.
func (s *WebDAVShare) Close(ctx context.Context) error {
	if s.Container != nil {
		return s.Container.Terminate(ctx)
	}
	return nil
}

// Put uploads data to rel, creating parent collections as needed.
func (s *WebDAVShare) Put(ctx context.Context, rel string, data []byte) error {
	dir := path.Dir(rel)
	if dir != "." {
		var cur string
		for _, part := range strings.Split(dir, "/") {
			cur = path.Join(cur, part)
			if err := s.do(ctx, "MKCOL", cur+"/", nil); err != nil {
				return err
			}
		}
	}
	return s.do(ctx, http.MethodPut, rel, data)
}

// Delete removes rel.
func (s *WebDAVShare) Delete(ctx context.Context, rel string) error {
	return s.do(ctx, http.MethodDelete, rel, nil)
}

func (s *WebDAVShare) do(ctx context.Context, method, rel string, body []byte) error {
	u := s.BaseURL + "/public.php/webdav/" + (&url.URL{Path: rel}).EscapedPath()
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.ID, s.Password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	// MKCOL on an existing collection answers 405.
	if resp.StatusCode >= 300 && !(method == "MKCOL" && resp.StatusCode == http.StatusMethodNotAllowed) {
		return fmt.Errorf("%s %s: %s", method, rel, resp.Status)
	}
	return nil
}

// StartWebDAVShare starts an rclone WebDAV server holding files.
func StartWebDAVShare(t *testing.T, ctx context.Context, id, password string, files map[string][]byte) *WebDAVShare {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "rclone/rclone:latest",
		ExposedPorts: []string{"8080/tcp"},
		Cmd: []string{
			"serve", "webdav", "/data",
			"--addr", ":8080",
			"--baseurl", "/public.php/webdav",
			"--user", id,
			"--pass", password,
		},
		WaitingFor: wait.ForListeningPort("8080/tcp").WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start rclone container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "8080")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}

	share := &WebDAVShare{
		Container: container,
		BaseURL:   fmt.Sprintf("http://%s:%s", host, port.Port()),
		ID:        id,
		Password:  password,
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := share.Put(ctx, p, files[p]); err != nil {
			t.Fatalf("seed share: %v", err)
		}
	}
	return share
}

// MinioEnv contains connection information for a Minio test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
}

// Close terminates the Minio container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens a gocloud bucket connection to the Minio environment.
// The caller must import gocloud.dev/blob/s3blob.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer starts a Minio container with a pre-created bucket,
// used to hold the cache document and manifests in object storage.
func StartMinioContainer(t *testing.T, ctx context.Context, bucketName string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	networkName := fmt.Sprintf("hoyosync-test-net-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name: networkName,
		},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	minioReq := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Networks:     []string{networkName},
		NetworkAliases: map[string][]string{
			networkName: {"minio"},
		},
		Env: map[string]string{
			"MINIO_ROOT_USER":     accessKey,
			"MINIO_ROOT_PASSWORD": secretKey,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
	}

	minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: minioReq,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	createBucket(t, ctx, networkName, accessKey, secretKey, bucketName)

	host, err := minioContainer.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := minioContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	return &MinioEnv{
		Container: minioContainer,
		BucketURL: fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
			bucketName, endpoint),
		Endpoint: endpoint,
	}
}

// createBucket runs a one-shot minio/mc container that creates the bucket.
func createBucket(t *testing.T, ctx context.Context, networkName, accessKey, secretKey, bucketName string) {
	t.Helper()

	mcReq := testcontainers.ContainerRequest{
		Image:      "minio/mc:latest",
		Networks:   []string{networkName},
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd: []string{
			fmt.Sprintf(
				"/usr/bin/mc alias set local http://minio:9000 %s %s && /usr/bin/mc mb local/%s; exit 0",
				accessKey, secretKey, bucketName,
			),
		},
		WaitingFor: wait.ForExit(),
	}

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: mcReq,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mc container: %v", err)
	}
	defer mc.Terminate(ctx)
}

// GenerateTestData returns size bytes of a repeating pattern.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
