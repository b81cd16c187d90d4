package adminapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"sesame/config"
	"sesame/internal/captcha"
	"sesame/internal/magiclink"
	"sesame/internal/ratelimit"
	"sesame/internal/repo"
	"sesame/internal/sharelink"
	"sesame/internal/token"
)

type Dependencies struct {
	MGR     *token.Manager
	OTP     *token.Verifier
	MAGIC   *magiclink.Engine
	SHARE   *sharelink.Engine
	LIMITER *ratelimit.Limiter
	AUDIT   *repo.AuditStore
	CAPTCHA captcha.Verifier
	CFG     *config.Config
}

// Attach навешивает admin API (под bearer-секретом) и публичные
// redeem-эндпоинты. HTML тут нет — только JSON, интерфейс живёт отдельно.
func Attach(r *mux.Router, d Dependencies) {
	h := &Handler{d: d}

	api := r.PathPrefix("/admin/api").Subrouter()
	api.Use(BearerAuth(d.CFG.Auth.AdminSecret))
	api.HandleFunc("/tokens", h.CreateToken).Methods(http.MethodPost)
	api.HandleFunc("/tokens", h.ListActive).Methods(http.MethodGet)
	api.HandleFunc("/tokens/{id:[0-9]+}", h.RevokeToken).Methods(http.MethodDelete)
	api.HandleFunc("/tokens/{id:[0-9]+}/magic-link", h.IssueMagicLink).Methods(http.MethodPost)
	api.HandleFunc("/tokens/{id:[0-9]+}/share-link", h.IssueShareLink).Methods(http.MethodPost)
	api.HandleFunc("/emergency-lock", h.EmergencyLock).Methods(http.MethodPost)
	api.HandleFunc("/audit", h.QueryAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/export", h.ExportAudit).Methods(http.MethodGet)

	// redeem-поверхность — без admin-аутентификации
	r.HandleFunc("/auth/otp", h.VerifyOTP).Methods(http.MethodPost)
	r.HandleFunc("/auth/magic", h.RedeemMagicLink).Methods(http.MethodGet)
	r.HandleFunc("/view", h.ViewShareLink).Methods(http.MethodGet)
}
