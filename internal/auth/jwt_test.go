package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEdgeTokenRoundTrip(t *testing.T) {
	assert := assert.New(t)
	uut := NewJWTService("edge-secret", time.Hour)

	token, err := uut.Generate("edge-eu-1")
	assert.Nil(err)

	claims, err := uut.Validate(token)
	assert.Nil(err)
	assert.Equal("edge-eu-1", claims.Source)

	_, err = NewJWTService("other-secret", time.Hour).Validate(token)
	assert.True(errors.Is(err, ErrInvalidToken))

	_, err = uut.Validate("not-a-token")
	assert.True(errors.Is(err, ErrInvalidToken))
}

func TestEdgeTokenExpiry(t *testing.T) {
	uut := NewJWTService("edge-secret", -time.Minute)
	token, err := uut.Generate("edge-us-1")
	assert.Nil(t, err)
	_, err = uut.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
