package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"onix_miner/internal/accounts"
	"onix_miner/internal/config"
	"onix_miner/internal/security"
	"onix_miner/internal/types"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return NewInvalidRequestError("empty request body")
		}
		return NewInvalidRequestError("invalid JSON body")
	}
	return nil
}

// Health handler
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.errs.HandleError(w, r, NewServiceUnavailableError("ledger store unreachable"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"economy":   config.EconomyVersion,
	})
}

func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := types.StatsMessage{Type: types.MessageGlobalStats, CurrentBlock: 1}
	if s.opts.Stats != nil {
		st, ok, err := s.opts.Stats(r.Context())
		if err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		if ok {
			stats = st
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var in accounts.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	if in.ReferralCode == "" {
		in.ReferralCode = r.URL.Query().Get("ref")
	}
	sess, err := s.opts.Accounts.Register(r.Context(), in)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	identity := req.Email
	if strings.TrimSpace(identity) == "" {
		identity = req.Username
	}
	sess, err := s.opts.Accounts.Login(r.Context(), identity, req.Password)
	if err != nil {
		if errors.Is(err, types.ErrUnauthorized) && s.opts.Guard.Enabled() {
			s.opts.Guard.RecordAuthFail(s.opts.Guard.ClientIP(r))
		}
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Revoke(r.Context(), security.BearerToken(r)); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	u, err := s.opts.Accounts.Me(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) StartMiningHandler(w http.ResponseWriter, r *http.Request) {
	u, err := s.opts.Mining.Start(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) StopMiningHandler(w http.ResponseWriter, r *http.Request) {
	u, err := s.opts.Mining.Stop(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) QuoteHandler(w http.ResponseWriter, r *http.Request) {
	u, err := s.opts.Accounts.Me(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Mining.Quote(u))
}

func (s *Server) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Mining.PurchaseMultiplier(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type upgradeRequest struct {
	TxID   string  `json:"txId"`
	Amount float64 `json:"amount"`
}

func (s *Server) RequestUpgradeHandler(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	up, err := s.opts.Mining.RequestUpgrade(r.Context(), userIDFrom(r.Context()), req.TxID, req.Amount)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}

type walletRequest struct {
	WalletAddress string `json:"walletAddress"`
}

func (s *Server) WalletHandler(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	u, err := s.opts.Accounts.SetWallet(r.Context(), userIDFrom(r.Context()), req.WalletAddress)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) ReferralsHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.opts.Accounts.Referrals(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Admin handlers

func (s *Server) AdminSummaryHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := s.opts.Admin.Summary(r.Context())
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) AdminUsersHandler(w http.ResponseWriter, r *http.Request) {
	var limit int64 = 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.errs.HandleError(w, r, types.Validationf("limit must be a number"))
			return
		}
		limit = n
	}
	users, err := s.opts.Admin.ListUsers(r.Context(), limit)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

func (s *Server) AdminUpgradesHandler(w http.ResponseWriter, r *http.Request) {
	status := types.UpgradeStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.UpgradePending, types.UpgradeApproved:
	default:
		s.errs.HandleError(w, r, types.Validationf("status must be pending or approved"))
		return
	}
	reqs, err := s.opts.Admin.ListUpgradeRequests(r.Context(), status)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

type approveRequest struct {
	UpgradeID       int64   `json:"upgradeId"`
	MultiplierBoost float64 `json:"multiplierBoost"`
}

func (s *Server) AdminApproveHandler(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	applied, err := s.opts.Mining.ApproveUpgrade(r.Context(), req.UpgradeID, req.MultiplierBoost)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "applied": applied})
}

func (s *Server) AdminSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.opts.Settings.ListSettings(r.Context())
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type settingsRequest struct {
	BaseMiningRate   *float64 `json:"baseMiningRate"`
	DailyEmissionCap *float64 `json:"dailyEmissionCap"`
}

// AdminUpdateSettingsHandler overrides emission parameters. The engine picks
// up the base rate on its next tick.
func (s *Server) AdminUpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	updates := map[string]float64{}
	if req.BaseMiningRate != nil {
		updates[types.SettingBaseMiningRate] = *req.BaseMiningRate
	}
	if req.DailyEmissionCap != nil {
		updates[types.SettingDailyEmissionCap] = *req.DailyEmissionCap
	}
	if len(updates) == 0 {
		s.errs.HandleError(w, r, types.Validationf("nothing to update"))
		return
	}
	for key, v := range updates {
		if v <= 0 {
			s.errs.HandleError(w, r, types.Validationf("%s must be > 0", key))
			return
		}
	}
	for key, v := range updates {
		if err := s.opts.Settings.SetSetting(r.Context(), key, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
	}

	settings, err := s.opts.Settings.ListSettings(r.Context())
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
