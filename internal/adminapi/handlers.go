package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"sesame/internal/audit"
	"sesame/internal/models"
	"sesame/internal/ratelimit"
	"sesame/internal/repo"
	"sesame/internal/secrets"
	"sesame/internal/token"
)

type Handler struct {
	d Dependencies
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------- admin ----------

func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.d.MGR.CreateToken(r.Context(), token.CreateInput{
		Duration:    time.Duration(req.DurationSeconds) * time.Second,
		Role:        req.Role,
		Metadata:    req.Metadata,
		IPAllowlist: req.IPAllowlist,
		SingleUse:   req.SingleUse,
		CreatedBy:   req.CreatedBy,
		SourceIP:    clientIP(r),
	})
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	// сырой секрет и код уходят отсюда один раз; дальше их никто не отдаст
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.d.MGR.ListActive(r.Context())
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	keep := r.URL.Query().Get("keep_principal") == "true"
	ok, err := h.d.MGR.RevokeToken(r.Context(), id, keep, actor(r), clientIP(r))
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": ok})
}

func (h *Handler) EmergencyLock(w http.ResponseWriter, r *http.Request) {
	n, err := h.d.MGR.RevokeAll(r.Context(), actor(r), clientIP(r))
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_tokens": n})
}

func (h *Handler) IssueMagicLink(w http.ResponseWriter, r *http.Request) {
	var req IssueLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.d.MAGIC.Issue(r.Context(), pathID(r), time.Duration(req.TTLSeconds)*time.Second, actor(r), clientIP(r))
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) IssueShareLink(w http.ResponseWriter, r *http.Request) {
	var req IssueLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res, err := h.d.SHARE.Issue(r.Context(), pathID(r), time.Duration(req.TTLSeconds)*time.Second, req.SingleView, actor(r), clientIP(r))
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.d.AUDIT.Query(r.Context(), auditFilter(r))
	if err != nil {
		models.WriteDomainError(w, models.Storage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		"attachment; filename=sesame-audit-"+time.Now().UTC().Format("2006-01-02")+".csv")
	// заголовки уже отправлены, так что при ошибке остаётся оборвать поток
	_ = audit.ExportCSV(r.Context(), h.d.AUDIT, auditFilter(r), w)
}

// ---------- redeem (публичные) ----------

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ip := clientIP(r)

	// bot-score гейт — только если фича явно включена
	if h.d.CFG.Captcha.Enabled && h.d.CAPTCHA != nil {
		res, err := h.d.CAPTCHA.Verify(r.Context(), req.CaptchaToken, ip)
		if err != nil || !res.OK {
			models.WriteDomainError(w, models.PolicyViolation("captcha_failed", "bot verification failed"))
			return
		}
	}

	t, pid, err := h.d.OTP.Login(r.Context(), req.Code, ip)
	if err != nil {
		// сколько попыток осталось по этому коду — для подсказки в UI
		if models.KindOf(err) == models.KindNotFound {
			bucket := ratelimit.BucketOTP(token.NormalizeOTP(req.Code))
			if rem, rerr := h.d.LIMITER.Remaining(r.Context(), bucket, ip); rerr == nil {
				w.Header().Set("X-Attempts-Remaining", strconv.Itoa(rem))
			}
		}
		models.WriteDomainError(w, err)
		return
	}
	// session establishment — забота вызывающего; мы отдаём принципала и роль
	writeJSON(w, http.StatusOK, VerifyOTPResponse{
		PrincipalID: pid,
		Role:        t.Role,
		TokenID:     t.ID,
		ExpiresAt:   t.ExpiresAt,
	})
}

func (h *Handler) RedeemMagicLink(w http.ResponseWriter, r *http.Request) {
	raw, id, err := secrets.DecodeLinkParam(r.URL.Query().Get("m"))
	if err != nil {
		models.WriteDomainError(w, models.Validation("invalid_magic_link", "invalid magic link"))
		return
	}
	res, err := h.d.MAGIC.Redeem(r.Context(), raw, id, clientIP(r))
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id": res.PrincipalID,
		"role":         res.Role,
		"token_id":     res.Token.ID,
		"expires_at":   res.Token.ExpiresAt,
	})
}

func (h *Handler) ViewShareLink(w http.ResponseWriter, r *http.Request) {
	raw, id, err := secrets.DecodeLinkParam(r.URL.Query().Get("s"))
	if err != nil {
		models.WriteDomainError(w, models.Validation("invalid_share_link", "invalid share link"))
		return
	}
	// страница одноразовая — кэшировать нечего
	w.Header().Set("Cache-Control", "no-store")
	res, err := h.d.SHARE.Redeem(r.Context(), raw, id, clientIP(r))
	if err != nil {
		models.WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------- helpers ----------

func pathID(r *http.Request) uint {
	n, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	return uint(n)
}

// actor — кто дёргает admin API (заголовок от обвязки аутентификации).
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Admin-Actor"); a != "" {
		return a
	}
	return "admin"
}

func auditFilter(r *http.Request) repo.AuditFilter {
	q := r.URL.Query()
	f := repo.AuditFilter{EventType: q.Get("event_type")}
	if v, err := strconv.ParseUint(q.Get("token_id"), 10, 32); err == nil {
		f.TokenID = uint(v)
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		f.From = t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		f.To = t
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		f.Offset = v
	}
	return f
}
