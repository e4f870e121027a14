// Package dircache provides a simple cache for caching directory ID
// to path lookups and the inverse.
package dircache

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DirCache caches paths to directory IDs and vice versa
type DirCache struct {
	cacheMu  sync.RWMutex // protects cache and invCache
	cache    map[string]uint64
	invCache map[uint64]string

	mu     sync.Mutex // protects the below
	fs     DirCacher  // Interface to find and make directories
	rootID uint64
}

// DirCacher describes an interface for doing the low level directory work
//
// This should be implemented by the remote
type DirCacher interface {
	FindLeaf(ctx context.Context, pathID uint64, leaf string) (pathIDOut uint64, found bool, err error)
	CreateDir(ctx context.Context, pathID uint64, leaf string) (newID uint64, err error)
}

// New makes a DirCache rooted at rootID, using fs to create and look
// up directories.
func New(rootID uint64, fs DirCacher) *DirCache {
	d := &DirCache{
		fs:     fs,
		rootID: rootID,
	}
	d.Flush()
	return d
}

// String returns the directory cache in string form for debugging
func (dc *DirCache) String() string {
	dc.cacheMu.RLock()
	defer dc.cacheMu.RUnlock()
	var buf strings.Builder
	buf.WriteString("DirCache{\n")
	for path, id := range dc.cache {
		buf.WriteString("\t")
		buf.WriteString(path)
		buf.WriteString(" -> ")
		buf.WriteString(strconv.FormatUint(id, 10))
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.String()
}

// Get a directory ID given a path
//
// Returns the ID and a boolean as to whether it was found or not in
// the cache.
func (dc *DirCache) Get(path string) (id uint64, ok bool) {
	dc.cacheMu.RLock()
	id, ok = dc.cache[path]
	dc.cacheMu.RUnlock()
	return id, ok
}

// GetInv gets a path given a directory ID
//
// Returns the path and a boolean as to whether it was found or not in
// the cache.
func (dc *DirCache) GetInv(id uint64) (path string, ok bool) {
	dc.cacheMu.RLock()
	path, ok = dc.invCache[id]
	dc.cacheMu.RUnlock()
	return path, ok
}

// Put a (path, directory ID) pair into the cache
func (dc *DirCache) Put(path string, id uint64) {
	dc.cacheMu.Lock()
	dc.cache[path] = id
	dc.invCache[id] = path
	dc.cacheMu.Unlock()
}

// Flush the cache of all data, keeping only the root
func (dc *DirCache) Flush() {
	dc.cacheMu.Lock()
	dc.cache = map[string]uint64{"": dc.rootID}
	dc.invCache = map[uint64]string{dc.rootID: ""}
	dc.cacheMu.Unlock()
}

// FlushDir flushes the map of all data starting with the path dir.
//
// If dir is empty string then this is equivalent to calling Flush.
func (dc *DirCache) FlushDir(dir string) {
	if dir == "" {
		dc.Flush()
		return
	}
	dc.cacheMu.Lock()

	// Delete the root dir
	id, ok := dc.cache[dir]
	if ok {
		delete(dc.cache, dir)
		delete(dc.invCache, id)
	}

	// And any sub directories
	dirPrefix := dir + "/"
	for path, id := range dc.cache {
		if strings.HasPrefix(path, dirPrefix) {
			delete(dc.cache, path)
			delete(dc.invCache, id)
		}
	}

	dc.cacheMu.Unlock()
}

// FlushID flushes the cached entry with the given ID, if any
func (dc *DirCache) FlushID(id uint64) {
	dc.cacheMu.Lock()
	if path, ok := dc.invCache[id]; ok {
		delete(dc.cache, path)
		delete(dc.invCache, id)
	}
	dc.cacheMu.Unlock()
}

// SplitPath splits a path into directory, leaf
//
// Path shouldn't start or end with a /
//
// A backslash escapes the following character, so a separator written
// "\/" is part of a name rather than a split point.
//
// If there are no separators then directory will be "" and leaf = path
func SplitPath(path string) (directory, leaf string) {
	lastSlash := -1
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '\\':
			i++
		case '/':
			lastSlash = i
		}
	}
	if lastSlash >= 0 {
		directory = path[:lastSlash]
		leaf = path[lastSlash+1:]
	} else {
		directory = ""
		leaf = path
	}
	return directory, leaf
}

// FindDir finds the directory passed in returning the directory ID
// starting from pathID
//
// Path shouldn't start or end with a /
//
// If create is set it will make the directory if not found.
//
// It will call FindPath so will use the cache
func (dc *DirCache) FindDir(ctx context.Context, path string, create bool) (pathID uint64, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc._findDir(ctx, path, create)
}

// Look for the root and in the cache - safe to call without the mu
func (dc *DirCache) _findDirInCache(path string) (uint64, bool) {
	// fmt.Println("Finding",path,"create",create,"cache",cache)
	// If it is the root, then return it
	if path == "" {
		return dc.rootID, true
	}

	// If it is in the cache then return it
	pathID, ok := dc.Get(path)
	if ok {
		// fmt.Println("Cache hit on", path)
		return pathID, true
	}

	return 0, false
}

// Unlocked findDir - must have mu
func (dc *DirCache) _findDir(ctx context.Context, path string, create bool) (pathID uint64, err error) {
	pathID, ok := dc._findDirInCache(path)
	if ok {
		return pathID, nil
	}

	// Split the path into directory, leaf
	directory, leaf := SplitPath(path)

	// Recurse and find pathID for parent directory
	parentPathID, err := dc._findDir(ctx, directory, create)
	if err != nil {
		return 0, err

	}

	// Find the leaf in parentPathID
	pathID, found, err := dc.fs.FindLeaf(ctx, parentPathID, leaf)
	if err != nil {
		return 0, err
	}

	// If not found create the directory if required or return an error
	if !found {
		if create {
			pathID, err = dc.fs.CreateDir(ctx, parentPathID, leaf)
			if err != nil {
				return 0, errors.Wrap(err, "failed to make directory")
			}
		} else {
			return 0, ErrDirNotFound
		}
	}

	// Store the leaf directory in the cache
	dc.Put(path, pathID)

	// fmt.Println("Dir", path, "is", pathID)
	return pathID, nil
}

// ErrDirNotFound is returned by FindDir when create is false and the
// directory does not exist
var ErrDirNotFound = errors.New("directory not found")

// FindPath finds the leaf and directoryID from a path
//
// If create is set parent directories will be created if they don't exist
func (dc *DirCache) FindPath(ctx context.Context, path string, create bool) (leaf string, directoryID uint64, err error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	directory, leaf := SplitPath(path)
	directoryID, err = dc._findDir(ctx, directory, create)
	if err != nil {
		logrus.Debugf("dircache: find path %q failed: %v", path, err)
	}
	return leaf, directoryID, err
}

// RootID returns the ID of the root directory
func (dc *DirCache) RootID() uint64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.rootID
}
