package models

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Problem представляет ответ об ошибке в стиле RFC 7807.
type Problem struct {
	Type     string      `json:"type,omitempty"`   // URL с описанием типа проблемы (можно оставить пустым)
	Title    string      `json:"title"`            // краткое название
	Status   int         `json:"status"`           // HTTP код
	Detail   string      `json:"detail,omitempty"` // подробности
	Instance string      `json:"instance,omitempty"`
	Extra    interface{} `json:"extra,omitempty"` // произвольные поля (map/struct)
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Status: status,
		Detail: detail,
		Extra:  extra,
	})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteDomainError переводит класс доменной ошибки в HTTP-статус.
// KindStorage наружу уходит как generic 500 без деталей хранилища.
func WriteDomainError(w http.ResponseWriter, err error) {
	var de *DomainError
	if !errors.As(err, &de) {
		WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected error", nil)
		return
	}
	switch de.Kind {
	case KindValidation:
		WriteProblem(w, http.StatusBadRequest, "Bad Request", de.Message, map[string]any{"code": de.Code})
	case KindNotFound:
		WriteProblem(w, http.StatusNotFound, "Not Found", de.Message, map[string]any{"code": de.Code})
	case KindRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(int(de.RetryAfter.Seconds())))
		WriteProblem(w, http.StatusTooManyRequests, "Too Many Requests", de.Message, map[string]any{"code": de.Code})
	case KindPolicy:
		WriteProblem(w, http.StatusForbidden, "Forbidden", de.Message, map[string]any{"code": de.Code})
	default:
		WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "internal error", map[string]any{"code": de.Code})
	}
}
