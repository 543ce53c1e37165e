package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	audienceSession  = "session"
	audienceRemember = "remember"
)

var ErrInvalidCookie = errors.New("invalid cookie")

// RememberClaims carries the raw remember token next to the subject.
type RememberClaims struct {
	jwt.RegisteredClaims
	Token string `json:"tok"`
}

// CookieSigner signs and verifies the session and remember cookie values
// as HS256 JWTs. The audience claim keeps the two kinds apart.
type CookieSigner struct {
	secret []byte
	now    func() time.Time
}

func NewCookieSigner(secret string) *CookieSigner {
	return &CookieSigner{secret: []byte(secret), now: time.Now}
}

// SignSession returns a session cookie value for userID valid for ttl.
func (s *CookieSigner) SignSession(userID int64, ttl time.Duration) (string, error) {
	claims := s.registered(userID, audienceSession, ttl)
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseSession returns the user id carried by a session cookie value.
func (s *CookieSigner) ParseSession(value string) (int64, error) {
	claims := jwt.RegisteredClaims{}
	if err := s.parse(value, &claims, audienceSession); err != nil {
		return 0, err
	}
	return subjectID(claims.Subject)
}

// SignRemember returns a remember cookie value binding userID to rawToken.
func (s *CookieSigner) SignRemember(userID int64, rawToken string, ttl time.Duration) (string, error) {
	claims := RememberClaims{
		RegisteredClaims: s.registered(userID, audienceRemember, ttl),
		Token:            rawToken,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ParseRemember returns the user id and raw token carried by a remember cookie value.
func (s *CookieSigner) ParseRemember(value string) (int64, string, error) {
	claims := RememberClaims{}
	if err := s.parse(value, &claims, audienceRemember); err != nil {
		return 0, "", err
	}
	if claims.Token == "" {
		return 0, "", ErrInvalidCookie
	}
	id, err := subjectID(claims.Subject)
	if err != nil {
		return 0, "", err
	}
	return id, claims.Token, nil
}

func (s *CookieSigner) registered(userID int64, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *CookieSigner) parse(value string, claims jwt.Claims, audience string) error {
	if strings.TrimSpace(value) == "" {
		return ErrInvalidCookie
	}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	},
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return errors.Join(ErrInvalidCookie, err)
	}
	if !token.Valid {
		return ErrInvalidCookie
	}
	return nil
}

func subjectID(subject string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(subject), 10, 64)
	if err != nil || id < 1 {
		return 0, ErrInvalidCookie
	}
	return id, nil
}
