// Package transfer defines the byte-level gateway used by the registry-aware
// layers to read and write content addressed by (store, path). The filesystem
// gateway lays content out as StoragePath/<packageType>/<storeType>-<name>/<path>
// and publishes writes with temp file + rename so readers never observe a
// partially written file. The remote gateway wraps it for remote stores,
// consulting the not-found cache before fetching from the upstream and
// caching fetched bytes locally.
package transfer
