// Package server hosts the Fiber HTTP service: the middleware chain, the two
// image routes, static-asset fallback and the single error boundary that turns
// pipeline failures into the HTML error page. Image handling itself is
// injected, so this package stays free of cache and storage concerns.
package server
