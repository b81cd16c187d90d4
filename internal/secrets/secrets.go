package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Подпись привязана ко времени выпуска: один и тот же сырой секрет,
// выпущенный в разные моменты, даёт разные хэши.

// NewRaw — hex из n случайных байт (crypto/rand).
func NewRaw(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Sign — hex(HMAC-SHA256(raw + "|" + unix(issuedAt), key)).
func Sign(raw string, issuedAt time.Time, key []byte) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(raw + "|" + strconv.FormatInt(issuedAt.Unix(), 10)))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify сравнивает хранимый хэш с пересчитанным. Постоянное время.
func Verify(storedHash, raw string, issuedAt time.Time, key []byte) bool {
	want := Sign(raw, issuedAt, key)
	return hmac.Equal([]byte(strings.ToLower(storedHash)), []byte(want))
}

// EncodeLinkParam упаковывает {rawSecret, linkId} в один URL-параметр.
func EncodeLinkParam(raw string, id uint) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%d", raw, id)))
}

func DecodeLinkParam(s string) (raw string, id uint, err error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", 0, errors.New("bad link parameter")
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, errors.New("bad link parameter")
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || n == 0 {
		return "", 0, errors.New("bad link parameter")
	}
	return parts[0], uint(n), nil
}
