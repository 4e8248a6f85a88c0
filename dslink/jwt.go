package dslink

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

// BrokerJwt are the claims of an optional bearer token attached to the handshake.
// The broker verifies the token; the link only reads it.
type BrokerJwt struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

func (self *BrokerJwt) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

func ParseBrokerJwtUnverified(jwt string) (*BrokerJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	brokerJwt := &BrokerJwt{}
	if sub, err := claims.GetSubject(); err == nil {
		brokerJwt.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		brokerJwt.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		brokerJwt.ExpiresAt = exp.Time
	}
	return brokerJwt, nil
}

// the handshake is still attempted with a bad token so the broker reports the real error
func checkBrokerJwt(jwt string) {
	brokerJwt, err := ParseBrokerJwtUnverified(jwt)
	if err != nil {
		glog.Infof("[h]broker jwt unreadable = %s\n", err)
		return
	}
	if brokerJwt.Expired(time.Now()) {
		glog.Infof("[h]broker jwt expired at %s\n", brokerJwt.ExpiresAt)
	}
}
