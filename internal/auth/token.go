// Package auth manages the OAuth2 session used to call the FHIR server: the
// authorization code flow with PKCE, token refresh and an optional secret store.
package auth

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry,omitempty"` // zero when the server gave no lifetime
	Scopes       []string  `json:"scopes,omitempty"`
	Patient      string    `json:"patient,omitempty"` // SMART launch context
}

// Expired reports whether the token has passed its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && !now.Before(t.Expiry)
}

// needsRefresh reports whether fewer than margin remain before expiry.
func (t *Token) needsRefresh(now time.Time, margin time.Duration) bool {
	return !t.Expiry.IsZero() && now.Add(margin).After(t.Expiry)
}

// fromOAuth2 converts a token endpoint answer. The expiry is taken from expires_in
// against now, or from the JWT exp claim when the server sent no lifetime.
func fromOAuth2(raw *oauth2.Token, now time.Time) *Token {
	t := &Token{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		TokenType:    raw.TokenType,
	}
	if scope, ok := raw.Extra("scope").(string); ok {
		t.Scopes = strings.Fields(scope)
	}
	if patient, ok := raw.Extra("patient").(string); ok {
		t.Patient = patient
	}
	if secs := expiresIn(raw.Extra("expires_in")); secs > 0 {
		t.Expiry = now.Add(time.Duration(secs) * time.Second)
	} else {
		t.Expiry = jwtExpiry(raw.AccessToken)
	}
	return t
}

func expiresIn(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

// jwtExpiry reads the exp claim of a JWT access token without verifying it. Opaque
// tokens yield the zero time.
func jwtExpiry(raw string) time.Time {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time.UTC()
}
