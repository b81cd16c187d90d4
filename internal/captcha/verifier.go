package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sesame/config"
	"sesame/internal/logs"
)

// Result — оценка верификатора: score в [0,1], выше порога — человек.
type Result struct {
	OK     bool    `json:"ok"`
	Score  float64 `json:"score"`
	Action string  `json:"action,omitempty"`
}

// Verifier — опаковый bot-score чекер. Ядро сравнивает score с порогом
// и ничего не знает про конкретного провайдера.
type Verifier interface {
	Verify(ctx context.Context, responseToken, sourceIP string) (*Result, error)
}

// HTTPVerifier ходит в siteverify-совместимый endpoint. Поведение при
// сетевой ошибке — политика (fail_open в конфиге), не константа.
type HTTPVerifier struct {
	verifyURL string
	secret    string
	threshold float64
	failOpen  bool
	client    *http.Client
}

func NewHTTPVerifier(cfg *config.Config) *HTTPVerifier {
	return &HTTPVerifier{
		verifyURL: cfg.Captcha.VerifyURL,
		secret:    cfg.Captcha.SecretKey,
		threshold: cfg.Captcha.Threshold,
		failOpen:  cfg.Captcha.FailOpen,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

type siteverifyResponse struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
	Action  string  `json:"action"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, responseToken, sourceIP string) (*Result, error) {
	if strings.TrimSpace(responseToken) == "" {
		return &Result{OK: false, Score: 0}, nil
	}

	form := url.Values{
		"secret":   {v.secret},
		"response": {responseToken},
		"remoteip": {sourceIP},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return v.networkFailure(err)
	}
	defer resp.Body.Close()

	var sv siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&sv); err != nil {
		return v.networkFailure(err)
	}
	if !sv.Success {
		return &Result{OK: false, Score: sv.Score, Action: sv.Action}, nil
	}
	return &Result{OK: sv.Score >= v.threshold, Score: sv.Score, Action: sv.Action}, nil
}

func (v *HTTPVerifier) networkFailure(err error) (*Result, error) {
	if v.failOpen {
		// пропускаем, чтобы недоступность верификатора не превращалась
		// в DoS для легитимных пользователей
		logs.Logger.Warnf("captcha verify failed, failing open: %v", err)
		return &Result{OK: true, Score: 1.0}, nil
	}
	return nil, err
}

// Static всегда отвечает заданным результатом (тесты, выключенный режим).
type Static struct {
	Result Result
	Err    error
}

func (s Static) Verify(context.Context, string, string) (*Result, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	r := s.Result
	return &r, nil
}
