package token

import (
	"net/url"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	twiliojwt "github.com/twilio/twilio-go/client/jwt"
)

// Виды выпускаемых токенов
const (
	KindCapability = "capability"
	KindAccess     = "access"
)

// DefaultTTL время жизни токена по умолчанию
const DefaultTTL = time.Hour

// ErrMissingCredentials для выпуска не хватает учетных данных
var ErrMissingCredentials = errors.New("missing provider credentials")

// IssuerConfig учетные данные провайдера для выпуска токенов
type IssuerConfig struct {
	AccountSID  string
	AuthToken   string
	TwiMLAppSID string
	// APIKey и APISecret нужны только для access токенов
	APIKey    string
	APISecret string
	// ClientName имя клиента для входящих вызовов. Если пусто,
	// генерируется для каждого токена.
	ClientName string
	TTL        time.Duration
}

// HasAPICredentials true, если заданы ключ и секрет API
func (c IssuerConfig) HasAPICredentials() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Issuer выпускает токены для браузерного клиента
type Issuer struct {
	cfg   IssuerConfig
	clock clock.Clock
}

// NewIssuer проверяет обязательные поля и создает Issuer
func NewIssuer(cfg IssuerConfig, clk clock.Clock) (*Issuer, error) {
	var missing []string
	if cfg.AccountSID == "" {
		missing = append(missing, "account sid")
	}
	if cfg.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if cfg.TwiMLAppSID == "" {
		missing = append(missing, "twiml app sid")
	}
	if len(missing) > 0 {
		return nil, errors.Wrap(ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Issuer{cfg: cfg, clock: clk}, nil
}

// Identity возвращает имя клиента для нового токена
func (i *Issuer) Identity() string {
	if i.cfg.ClientName != "" {
		return i.cfg.ClientName
	}
	return "dialer-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Preferred выпускает access токен, если заданы ключ и секрет API,
// иначе capability токен. Возвращает вид выпущенного токена.
func (i *Issuer) Preferred(identity string) (string, string, error) {
	if i.cfg.HasAPICredentials() {
		tok, err := i.AccessToken(identity)
		return tok, KindAccess, err
	}
	tok, err := i.CapabilityToken(identity)
	return tok, KindCapability, err
}

// CapabilityToken выпускает capability токен клиента с правом исходящих
// вызовов через TwiML приложение и входящих вызовов на имя identity.
// Токен подписан auth token аккаунта (HS256).
func (i *Issuer) CapabilityToken(identity string) (string, error) {
	outgoing := url.Values{}
	outgoing.Set("appSid", i.cfg.TwiMLAppSID)
	scopes := []string{"scope:client:outgoing?" + outgoing.Encode()}
	if identity != "" {
		outgoing.Set("clientName", identity)
		scopes[0] = "scope:client:outgoing?" + outgoing.Encode()
		incoming := url.Values{}
		incoming.Set("clientName", identity)
		scopes = append(scopes, "scope:client:incoming?"+incoming.Encode())
	}

	now := i.clock.Now()
	claims := jwt.MapClaims{
		"iss":   i.cfg.AccountSID,
		"exp":   now.Add(i.cfg.TTL).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.AuthToken))
	if err != nil {
		return "", errors.Wrap(err, "sign capability token")
	}
	return signed, nil
}

// AccessToken выпускает access токен с голосовым грантом
func (i *Issuer) AccessToken(identity string) (string, error) {
	if !i.cfg.HasAPICredentials() {
		return "", errors.Wrap(ErrMissingCredentials, "api key and secret")
	}
	if identity == "" {
		return "", errors.New("access token requires identity")
	}
	at := twiliojwt.CreateAccessToken(twiliojwt.AccessTokenParams{
		AccountSid:    i.cfg.AccountSID,
		SigningKeySid: i.cfg.APIKey,
		Secret:        i.cfg.APISecret,
		Identity:      identity,
		Ttl:           i.cfg.TTL.Seconds(),
	})
	at.AddGrant(&twiliojwt.VoiceGrant{
		Incoming: twiliojwt.Incoming{Allow: true},
		Outgoing: twiliojwt.Outgoing{ApplicationSid: i.cfg.TwiMLAppSID},
	})
	signed, err := at.ToJwt()
	if err != nil {
		return "", errors.Wrap(err, "sign access token")
	}
	return signed, nil
}

// Claims разбирает полезную нагрузку токена без проверки подписи.
// Используется клиентом, которому нужна только identity.
func Claims(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	return claims, nil
}

// IdentityFromToken извлекает имя клиента из access или capability токена
func IdentityFromToken(raw string) (string, error) {
	claims, err := Claims(raw)
	if err != nil {
		return "", err
	}
	if grants, ok := claims["grants"].(map[string]any); ok {
		if id, ok := grants["identity"].(string); ok && id != "" {
			return id, nil
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			_, query, found := strings.Cut(s, "?")
			if !found {
				continue
			}
			values, err := url.ParseQuery(query)
			if err != nil {
				continue
			}
			if name := values.Get("clientName"); name != "" {
				return name, nil
			}
		}
	}
	return "", errors.New("token carries no identity")
}
