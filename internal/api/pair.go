package api

import (
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
)

// handlePair serves a QR code PNG of the control surface URL so a
// phone can join without typing an address.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	target := s.deps.PairURL
	if target == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		target = scheme + "://" + r.Host + "/"
	}

	png, err := qrcode.Encode(target, qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("qr encode failed", "url", target, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "qr encode failed")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}
