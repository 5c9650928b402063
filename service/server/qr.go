package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brojonat/quietsend/service/keys"
	"github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

// fundingURI is the wallet-app URI that pre-fills the active address.
func fundingURI(address string) string {
	return "solana:" + address
}

// generateQRCode renders data as a PNG with medium error correction.
func generateQRCode(data string, size int) ([]byte, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return png, nil
}

// handleActiveKeyQR serves a QR code of the active address for funding.
// GET /api/v1/keys/active/qr?size=256
func handleActiveKeyQR(km *keys.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kp, err := km.Active()
		if err != nil {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}

		size := defaultQRSize
		if raw := r.URL.Query().Get("size"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 64 || n > maxQRSize {
				writeError(w, fmt.Sprintf("size must be between 64 and %d", maxQRSize), http.StatusBadRequest)
				return
			}
			size = n
		}

		png, err := generateQRCode(fundingURI(kp.PublicKey().String()), size)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to render QR code", "error", err)
			writeError(w, "failed to render QR code", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	})
}
