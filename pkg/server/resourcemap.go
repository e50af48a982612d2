package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/primaryrutabaga/umpire/pkg/metrics"
	"github.com/primaryrutabaga/umpire/pkg/resource"
	"github.com/primaryrutabaga/umpire/pkg/selector"
)

// handleResourceMap tells a device which bundle applies to it.
func (s *Server) handleResourceMap(w http.ResponseWriter, r *http.Request) {
	dut, err := selector.ParseDUTHeader(r.Header.Get(selector.DUTHeader))
	if err != nil {
		s.countSelection(metrics.SelectionBadRequest)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	snap := s.env.Config()
	if snap == nil {
		s.countSelection(metrics.SelectionNoMatch)
		http.Error(w, "no active config", http.StatusNotFound)
		return
	}
	bundleID, ok := selector.SelectBundle(snap.Config, dut)
	if !ok {
		s.countSelection(metrics.SelectionNoMatch)
		s.log.Debug().Str("dut", dut.String()).Msg("no ruleset matched")
		http.Error(w, "no matching bundle", http.StatusNotFound)
		return
	}
	bundle, ok := snap.Config.FindBundle(bundleID)
	if !ok {
		// Parse rejects rulesets naming unknown bundles.
		s.countSelection(metrics.SelectionNoMatch)
		http.Error(w, "bundle "+bundleID+" not found", http.StatusNotFound)
		return
	}
	s.countSelection(metrics.SelectionMatch)

	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", bundle.ID)
	fmt.Fprintf(&b, "note: %s\n", bundle.Note)
	fmt.Fprintf(&b, "payloads: %s\n", bundle.Payloads)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(b.String())) //nolint:errcheck
}

// handleResource serves the bytes of one resource.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	key := resource.Key(r.PathValue("key"))
	f, err := s.store.Open(key)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			http.Error(w, "resource not found", http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Str("key", string(key)).Msg("open resource")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, string(key), fi.ModTime(), f)
}
