//go:build integration

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/cache"
	"github.com/Hoyotoon/HoyoToon-sub001/internal/testutils"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	files := map[string][]byte{
		"Textures/Body Diffuse.png": testutils.GenerateTestData(t, 256*1024),
		"Shaders/Toon/Outline.hlsl": []byte("outline"),
		"readme.txt":                []byte("hello"),
	}

	t.Log("Starting WebDAV share...")
	share := testutils.StartWebDAVShare(t, ctx, "share01", "secret", files)
	defer func() {
		if err := share.Close(ctx); err != nil {
			t.Logf("failed to terminate webdav container: %v", err)
		}
	}()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "hoyosync-cache")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "hoyosync.yaml")
	cfg := fmt.Sprintf("cache_url: %q\nlog:\n  level: warn\npartitions:\n  - key: gi\n    remote_url: %q\n    local_root: %q\n",
		minio.BucketURL, share.URL(), filepath.Join(dir, "gi"))
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Run("sync", func(t *testing.T) {
		if code := run([]string{"--config", configPath, "sync", "--quiet"}); code != ExitSuccess {
			t.Fatalf("sync failed with exit code %d", code)
		}
		for p, want := range files {
			got, err := os.ReadFile(filepath.Join(dir, "gi", filepath.FromSlash(p)))
			if err != nil {
				t.Fatalf("read %s: %v", p, err)
			}
			if len(got) != len(want) {
				t.Errorf("%s: got %d bytes, want %d", p, len(got), len(want))
			}
		}
	})

	t.Run("cache_in_bucket", func(t *testing.T) {
		bucket, err := minio.OpenBucket(ctx)
		if err != nil {
			t.Fatalf("open bucket: %v", err)
		}
		defer bucket.Close()

		store := cache.Open(bucket, "")
		if err := store.Load(ctx); err != nil {
			t.Fatalf("load store: %v", err)
		}
		state, ok := store.Partition("gi")
		if !ok {
			t.Fatal("partition gi not recorded")
		}
		if len(state.Entries) != len(files) {
			t.Errorf("expected %d entries, got %d", len(files), len(state.Entries))
		}
		for _, e := range state.Entries {
			if e.RemoteETag == "" {
				t.Errorf("%s: no etag recorded", e.RelativePath)
			}
		}
	})

	t.Run("status_up_to_date", func(t *testing.T) {
		if code := run([]string{"--config", configPath, "status"}); code != ExitSuccess {
			t.Fatalf("status exit code %d", code)
		}
	})

	t.Run("remote_delete", func(t *testing.T) {
		if err := share.Delete(ctx, "readme.txt"); err != nil {
			t.Fatalf("delete remote file: %v", err)
		}
		if code := run([]string{"--config", configPath, "sync", "--quiet"}); code != ExitSuccess {
			t.Fatalf("sync failed with exit code %d", code)
		}
		if _, err := os.Stat(filepath.Join(dir, "gi", "readme.txt")); !os.IsNotExist(err) {
			t.Errorf("readme.txt should be removed locally, stat err = %v", err)
		}
	})
}
