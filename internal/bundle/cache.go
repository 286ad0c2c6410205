package bundle

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	bolt "go.etcd.io/bbolt"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
)

const cacheBucket = "bundle_cache"

// cacheEntry is the persisted ledger row for one extracted bundle directory.
type cacheEntry struct {
	Fingerprint    string     `json:"fingerprint"`
	RefCount       int        `json:"refCount"`
	LastReleasedAt *time.Time `json:"lastReleasedAt,omitempty"`
}

// Cache materializes bundle artifacts onto local disk and tracks reference counts across
// concurrent acquisitions: at most one concurrent extraction per fingerprint, a shared
// directory for repeated acquisitions, and TTL-bounded eviction once the reference count
// reaches zero.
type Cache struct {
	objects objectstore.Store
	ledger  *bolt.DB
	root    string
	ttl     time.Duration

	mu         sync.Mutex
	extracting map[string]*sync.Mutex
}

// NewCache opens (creating if absent) the bbolt ledger at ledgerPath and roots extracted
// directories under root.
func NewCache(objects objectstore.Store, ledgerPath, root string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle cache root %s: %w", root, err)
	}
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("create bundle cache ledger dir: %w", err)
	}
	db, err := bolt.Open(ledgerPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bundle cache ledger %s: %w", ledgerPath, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bundle cache bucket: %w", err)
	}
	return &Cache{objects: objects, ledger: db, root: root, ttl: ttl, extracting: make(map[string]*sync.Mutex)}, nil
}

func (c *Cache) Close() error { return c.ledger.Close() }

// Fingerprint is the cache key for a published bundle version: slug, version, and checksum
// together, so republishing under an unchanged checksum reuses the existing extraction.
func Fingerprint(bv metadata.BundleVersion) string {
	return fmt.Sprintf("%s@%s#%s", bv.Slug, bv.Version, bv.Checksum)
}

// AcquiredBundle holds an extracted bundle directory and the operation to release it.
type AcquiredBundle struct {
	Dir     string
	release func() error
}

// Release decrements the reference count; the directory is removed by a later Evict call once
// both the count is zero and the TTL has elapsed. Acquire never evicts.
func (a *AcquiredBundle) Release() error { return a.release() }

func (c *Cache) extractionLock(fingerprint string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.extracting[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		c.extracting[fingerprint] = l
	}
	return l
}

// Acquire materializes bv's archive into a TTL-bounded cache directory, verifying the checksum,
// and returns a handle with a Release operation. Safe under concurrency: only one goroutine
// performs the extraction for a given fingerprint; others wait and then share the result.
func (c *Cache) Acquire(ctx context.Context, bv metadata.BundleVersion) (*AcquiredBundle, error) {
	fingerprint := Fingerprint(bv)
	dir := filepath.Join(c.root, fingerprint)

	lock := c.extractionLock(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(filepath.Join(dir, ".complete")); err != nil {
		if err := c.extract(ctx, bv, dir); err != nil {
			return nil, err
		}
	}

	if err := c.bumpRefCount(fingerprint, 1); err != nil {
		return nil, err
	}

	released := false
	return &AcquiredBundle{
		Dir: dir,
		release: func() error {
			if released {
				return nil
			}
			released = true
			return c.bumpRefCount(fingerprint, -1)
		},
	}, nil
}

// extract downloads bv's artifact, verifies its checksum, and unpacks the gzipped tar into
// dir. A checksum mismatch retries once, then surfaces bundle-corrupt; a transport error
// surfaces as acquire-failed (retryable).
func (c *Cache) extract(ctx context.Context, bv metadata.BundleVersion, dir string) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.extractOnce(ctx, bv, dir); err != nil {
			lastErr = err
			os.RemoveAll(dir)
			if apherr.KindOf(err) == apherr.KindBundleCorrupt {
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (c *Cache) extractOnce(ctx context.Context, bv metadata.BundleVersion, dir string) error {
	rc, err := c.objects.Get(ctx, bv.ArtifactPath)
	if err != nil {
		return apherr.Wrap(apherr.KindAcquireFailed, fmt.Errorf("fetch bundle artifact %s: %w", bv.ArtifactPath, err))
	}
	defer rc.Close()

	hashed := newHashingReader(rc)
	gz, err := gzip.NewReader(hashed)
	if err != nil {
		return apherr.Wrap(apherr.KindBundleCorrupt, fmt.Errorf("open gzip stream: %w", err))
	}
	defer gz.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create extraction dir %s: %w", dir, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apherr.Wrap(apherr.KindBundleCorrupt, fmt.Errorf("read tar entry: %w", err))
		}
		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		if !withinDir(dir, target) {
			return apherr.Wrap(apherr.KindBundleCorrupt, fmt.Errorf("tar entry %q escapes extraction root", hdr.Name))
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create file %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return apherr.Wrap(apherr.KindBundleCorrupt, fmt.Errorf("write file %s: %w", target, err))
			}
			f.Close()
		}
	}

	// Drain any trailing gzip bytes so hashed sees the full stream before comparing checksums.
	io.Copy(io.Discard, hashed)
	if bv.Checksum != "" && hashed.Sum() != bv.Checksum {
		return apherr.Wrap(apherr.KindBundleCorrupt, fmt.Errorf("checksum mismatch for bundle %s@%s", bv.Slug, bv.Version))
	}

	return os.WriteFile(filepath.Join(dir, ".complete"), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

func withinDir(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasPrefix(rel, "../")
}

func filepathHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (c *Cache) bumpRefCount(fingerprint string, delta int) error {
	return c.ledger.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		entry := cacheEntry{Fingerprint: fingerprint}
		if raw := b.Get([]byte(fingerprint)); raw != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("decode cache entry %s: %w", fingerprint, err)
			}
		}
		entry.RefCount += delta
		if entry.RefCount < 0 {
			entry.RefCount = 0
		}
		if entry.RefCount == 0 {
			now := time.Now().UTC()
			entry.LastReleasedAt = &now
		} else {
			entry.LastReleasedAt = nil
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode cache entry %s: %w", fingerprint, err)
		}
		return b.Put([]byte(fingerprint), raw)
	})
}

// Evict removes extracted directories whose reference count is zero and whose TTL has expired.
// It is not run inline on Acquire, so a burst of short-lived acquisitions doesn't pay
// eviction-scan cost; the service process does not call it on a schedule of its own.
func (c *Cache) Evict(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var expired []string
	if err := c.ledger.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		return b.ForEach(func(k, v []byte) error {
			var entry cacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.RefCount == 0 && entry.LastReleasedAt != nil && now.Sub(*entry.LastReleasedAt) > c.ttl {
				expired = append(expired, entry.Fingerprint)
			}
			return nil
		})
	}); err != nil {
		return 0, fmt.Errorf("scan bundle cache ledger: %w", err)
	}

	evicted := 0
	for _, fingerprint := range expired {
		if err := os.RemoveAll(filepath.Join(c.root, fingerprint)); err != nil {
			continue
		}
		if err := c.ledger.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(cacheBucket)).Delete([]byte(fingerprint))
		}); err != nil {
			continue
		}
		evicted++
	}
	return evicted, nil
}
