// Package cache persists per-file content digests between runs so the
// supervisor can tell which sources changed while it was not watching.
package cache

import (
	"bufio"
	"encoding/hex"
	"io"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/schr-build/schr/internal/msg"
)

// Cache maps absolute source paths to the BLAKE2b digest of their content at
// the time they were last inserted or updated. Persist is called from process
// callback goroutines while the controller mutates entries, so the table is
// self-locked.
type Cache struct {
	filePath string
	mu       sync.Mutex
	digests  map[string]string
}

// New builds the table for keys and digests every file concurrently.
func New(filePath string, keys []string) *Cache {
	c := &Cache{
		filePath: filePath,
		digests:  make(map[string]string, len(keys)),
	}

	var eg errgroup.Group
	eg.SetLimit(runtime.NumCPU())
	var mu sync.Mutex
	for _, key := range keys {
		eg.Go(func() error {
			d := digestFile(key)
			mu.Lock()
			c.digests[key] = d
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return c
}

func (c *Cache) Insert(key string) {
	d := digestFile(key)
	c.mu.Lock()
	c.digests[key] = d
	c.mu.Unlock()
}

func (c *Cache) Remove(key string) {
	c.mu.Lock()
	delete(c.digests, key)
	c.mu.Unlock()
}

// Update recomputes the stored digest from the live file.
func (c *Cache) Update(key string) {
	c.Insert(key)
}

func (c *Cache) Move(oldKey, newKey string) {
	c.Remove(oldKey)
	c.Insert(newKey)
}

// IsUpToDate reports whether the live file still matches the stored digest.
// Duplicate modification events collapse here: the first one refreshes the
// digest, the following ones see an up-to-date entry.
func (c *Cache) IsUpToDate(key string) bool {
	c.mu.Lock()
	stored, ok := c.digests[key]
	c.mu.Unlock()
	return ok && stored == digestFile(key)
}

// OutdatedOnStartup compares the table against the persisted file and returns
// every key whose stored digest differs or is missing. An unreadable or
// malformed cache file degrades to "everything is outdated".
func (c *Cache) OutdatedOnStartup() []string {
	persisted := make(map[string]string)

	f, err := os.Open(c.filePath)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			sep := strings.LastIndexByte(line, ':')
			if sep <= 0 || sep == len(line)-1 {
				continue
			}
			persisted[line[:sep]] = line[sep+1:]
		}
		if err := scanner.Err(); err != nil {
			msg.Error("reading cache file %s: %v", c.filePath, err)
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		msg.Error("opening cache file %s: %v", c.filePath, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var outdated []string
	for key, digest := range c.digests {
		if persisted[key] != digest {
			outdated = append(outdated, key)
		}
	}
	slices.Sort(outdated)
	return outdated
}

// Persist atomically rewrites the cache file as key:digest lines.
func (c *Cache) Persist() error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.digests))
	for key := range c.digests {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte(':')
		sb.WriteString(c.digests[key])
		sb.WriteByte('\n')
	}
	c.mu.Unlock()

	return renameio.WriteFile(c.filePath, []byte(sb.String()), 0644)
}

// digestFile hashes the file content in 8 KiB chunks. Unreadable files get an
// empty digest, which never equals a real one.
func digestFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	hasher, err := blake2b.New512(nil)
	if err != nil {
		return ""
	}
	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return ""
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
