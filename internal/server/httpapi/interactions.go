package httpapi

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/dmitrijs2005/memoryweaver/internal/bot"
)

const maxInteractionBody = 1 << 20

// verify checks Discord's ed25519 signature over timestamp+body.
func (s *Server) verify(r *http.Request, body []byte) bool {
	if s.publicKey == nil {
		return false
	}
	sig, err := hex.DecodeString(r.Header.Get("X-Signature-Ed25519"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	ts := r.Header.Get("X-Signature-Timestamp")
	if ts == "" {
		return false
	}
	msg := make([]byte, 0, len(ts)+len(body))
	msg = append(msg, ts...)
	msg = append(msg, body...)
	return ed25519.Verify(s.publicKey, msg, sig)
}

// handleInteraction answers PING inline and hands commands to the
// dispatcher, which acknowledges them through the callback API.
func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInteractionBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !s.verify(r, body) {
		http.Error(w, "invalid request signature", http.StatusUnauthorized)
		return
	}

	var in bot.Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		http.Error(w, "malformed interaction", http.StatusBadRequest)
		return
	}

	switch in.Type {
	case bot.TypePing:
		writeJSON(w, http.StatusOK, map[string]int{"type": bot.TypePing})
	case bot.TypeApplicationCommand:
		s.logger.Info(r.Context(), "interaction received", "interaction_id", in.ID, "command", in.Data.Name)
		s.dispatcher.Dispatch(r.Context(), &in)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "unsupported interaction type", http.StatusBadRequest)
	}
}
