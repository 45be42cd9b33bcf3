package arcana

import (
	"net/url"
	"strings"
)

// Well-known file names under the storage root.
const (
	IndexFileName     = "storage_index.json"
	BoltIndexFileName = "storage_index.db"
	KeyringFileName   = "keyring.json"
)

// BlobExt is the extension of every blob file.
const BlobExt = ".blob"

// maxBlobNameLen caps the escaped form of a key before falling back to a
// hashed file name, keeping names under common filesystem limits.
const maxBlobNameLen = 200

// hashedNamePrefix marks blob names derived from a key hash rather than the
// key itself. PathEscape never emits a leading '#', so the two forms cannot
// collide.
const hashedNamePrefix = "#"

// BlobName returns the file name for a logical key: the path-escaped key
// plus BlobExt. Keys whose escaped form is overlong are stored under a
// hashed name instead.
func BlobName(key string) string {
	esc := url.PathEscape(key)
	switch esc {
	case ".":
		esc = "%2E"
	case "..":
		esc = "%2E%2E"
	}
	if len(esc) > maxBlobNameLen {
		esc = hashedNamePrefix + HashBytes([]byte(key)).String()
	}
	return esc + BlobExt
}

// BlobStorageKey returns the backend storage key for a blob.
// Format: {tierDir}/{name}.blob
func BlobStorageKey(tierDir, key string) string {
	return tierDir + "/" + BlobName(key)
}

// KeyFromBlobName recovers the logical key from a blob file name.
// Hashed names are not reversible and report ok=false.
func KeyFromBlobName(name string) (key string, ok bool) {
	esc, found := strings.CutSuffix(name, BlobExt)
	if !found {
		return "", false
	}
	if strings.HasPrefix(esc, hashedNamePrefix) {
		return "", false
	}
	key, err := url.PathUnescape(esc)
	if err != nil {
		return "", false
	}
	return key, true
}

// SplitBlobStorageKey splits a backend storage key into its tier directory
// and blob file name.
func SplitBlobStorageKey(storageKey string) (tierDir, name string, ok bool) {
	tierDir, name, ok = strings.Cut(storageKey, "/")
	if !ok || tierDir == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return tierDir, name, true
}
