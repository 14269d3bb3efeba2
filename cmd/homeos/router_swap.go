package main

import (
	"net/http"
	"slices"
	"sync/atomic"
)

// routerSwap serves the control plane router and rebuilds it when the CORS
// origins change on reload. Requests in flight keep the router they started on.
type routerSwap struct {
	build   func(origins []string) http.Handler
	current atomic.Pointer[builtRouter]
}

type builtRouter struct {
	origins []string
	handler http.Handler
}

func newRouterSwap(origins []string, build func([]string) http.Handler) *routerSwap {
	s := &routerSwap{build: build}
	s.current.Store(&builtRouter{origins: slices.Clone(origins), handler: build(origins)})
	return s
}

func (s *routerSwap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current.Load().handler.ServeHTTP(w, r)
}

// Rebuild swaps in a router for origins. It reports false, and keeps the
// current router, when the origins are unchanged.
func (s *routerSwap) Rebuild(origins []string) bool {
	if slices.Equal(s.current.Load().origins, origins) {
		return false
	}
	s.current.Store(&builtRouter{origins: slices.Clone(origins), handler: s.build(origins)})
	return true
}

// Origins returns the CORS origins of the live router.
func (s *routerSwap) Origins() []string {
	return slices.Clone(s.current.Load().origins)
}
