package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/perparb/perparb/internal/models"
)

func (s *Server) handleGetStrategy(w http.ResponseWriter, req *http.Request) {
	params, err := s.deps.Store.Config.GetStrategy(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, params)
}

func (s *Server) handlePutStrategy(w http.ResponseWriter, req *http.Request) {
	var params models.StrategyParameters
	if !decodeBody(w, req, &params) {
		return
	}
	if params.Mode != models.ModeDiscovery && params.Mode != models.ModeLive {
		respondError(w, http.StatusBadRequest, "mode must be discovery or live")
		return
	}
	if params.MaxConcurrentCoins <= 0 || params.MaxHoldPeriods <= 0 {
		respondError(w, http.StatusBadRequest, "max_concurrent_coins and max_hold_periods must be positive")
		return
	}
	params.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.Config.SaveStrategy(req.Context(), &params); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, params)
}

// handleFactoryReset restores the default strategy parameters.
func (s *Server) handleFactoryReset(w http.ResponseWriter, req *http.Request) {
	params, err := s.deps.Store.Config.ResetStrategy(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, params)
}

func (s *Server) handleListExchanges(w http.ResponseWriter, req *http.Request) {
	exchanges, err := s.deps.Store.Config.ListExchanges(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, exchanges, len(exchanges))
}

func (s *Server) handleGetExchange(w http.ResponseWriter, req *http.Request) {
	slug := strings.ToLower(mux.Vars(req)["slug"])
	ex, err := s.deps.Store.Config.GetExchange(req.Context(), slug)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ex == nil {
		respondError(w, http.StatusNotFound, "exchange not found")
		return
	}
	respondOK(w, ex)
}

// exchangePatch carries partial venue updates. Credential fields arrive in
// plaintext and are stored encrypted; they are never echoed back.
type exchangePatch struct {
	Enabled    *bool   `json:"enabled"`
	Testnet    *bool   `json:"testnet"`
	Tier       *int    `json:"tier"`
	APIKey     *string `json:"api_key"`
	APISecret  *string `json:"api_secret"`
	Passphrase *string `json:"passphrase"`
}

func (s *Server) handlePatchExchange(w http.ResponseWriter, req *http.Request) {
	slug := strings.ToLower(mux.Vars(req)["slug"])
	ex, err := s.deps.Store.Config.GetExchange(req.Context(), slug)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ex == nil {
		respondError(w, http.StatusNotFound, "exchange not found")
		return
	}

	var patch exchangePatch
	if !decodeBody(w, req, &patch) {
		return
	}
	if patch.Enabled != nil {
		ex.Enabled = *patch.Enabled
	}
	if patch.Testnet != nil {
		ex.Testnet = *patch.Testnet
	}
	if patch.Tier != nil {
		ex.Tier = *patch.Tier
	}
	if patch.APIKey != nil || patch.APISecret != nil || patch.Passphrase != nil {
		if s.deps.Cipher == nil {
			respondError(w, http.StatusServiceUnavailable, "credential encryption is not configured")
			return
		}
		if patch.APIKey != nil {
			if ex.EncryptedAPIKey, err = s.deps.Cipher.Encrypt(*patch.APIKey); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		if patch.APISecret != nil {
			if ex.EncryptedAPISecret, err = s.deps.Cipher.Encrypt(*patch.APISecret); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		if patch.Passphrase != nil {
			if ex.EncryptedPassphrase, err = s.deps.Cipher.Encrypt(*patch.Passphrase); err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}
	ex.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.Config.SaveExchange(req.Context(), ex); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, ex)
}

func (s *Server) handleListBlacklist(w http.ResponseWriter, req *http.Request) {
	entries, err := s.deps.Store.Config.ListBlacklist(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, entries, len(entries))
}

type blacklistRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, req *http.Request) {
	var body blacklistRequest
	if !decodeBody(w, req, &body) {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(body.Symbol))
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	entry := models.BlacklistEntry{
		Symbol:        symbol,
		Reason:        body.Reason,
		BlacklistedBy: "operator",
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.deps.Store.Config.AddBlacklist(req.Context(), &entry); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(req.Context(), models.TopicBlacklistChanged, models.BlacklistEvent{
			Symbol: symbol, Added: true, Reason: body.Reason, Timestamp: time.Now().UTC(),
		})
	}
	respondOK(w, entry)
}

func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, req *http.Request) {
	symbol := strings.ToUpper(mux.Vars(req)["symbol"])
	if err := s.deps.Store.Config.RemoveBlacklist(req.Context(), symbol); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(req.Context(), models.TopicBlacklistChanged, models.BlacklistEvent{
			Symbol: symbol, Added: false, Timestamp: time.Now().UTC(),
		})
	}
	respondOK(w, map[string]string{"symbol": symbol})
}
