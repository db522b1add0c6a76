// Package proxy serves images out of the on-disk cache, populating it from the
// blob store on a miss and rendering resized variants on demand.
//
// Each request runs Resolve → (fetch) → (resize) → deliver. Population work for
// one cache key is shared between concurrent requests and runs detached from
// the requesting client, so a disconnect never leaves the cache half built.
package proxy
