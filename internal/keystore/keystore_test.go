package keystore

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndStoreActiveInvariant(t *testing.T) {
	s := New([]byte("secret"), nil)
	_, err := s.GenerateAndStore("2024-01-01", true)
	require.NoError(t, err)
	_, err = s.GenerateAndStore("2024-06-01", true)
	require.NoError(t, err)

	active, err := s.ActiveKeyMetadata()
	require.NoError(t, err)
	require.Equal(t, "2024-06-01", active.Kid)
}

func TestRemoveOlderThanNeverDeletesActive(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New([]byte("secret"), func() time.Time { return fixed })
	_, err := s.GenerateAndStore("old", true)
	require.NoError(t, err)

	s.RemoveOlderThan(fixed.Add(time.Hour))
	active, err := s.ActiveKeyMetadata()
	require.NoError(t, err)
	require.Equal(t, "old", active.Kid)
}

func TestPublicJWKSStructure(t *testing.T) {
	s := New([]byte("secret"), nil)
	_, err := s.GenerateAndStore("2024-01-01", true)
	require.NoError(t, err)

	set := s.PublicJWKS()
	require.Len(t, set.Keys, 1)

	data, err := json.Marshal(set)
	require.NoError(t, err)

	var decoded struct {
		Keys []struct {
			Kty string `json:"kty"`
			Use string `json:"use"`
			Alg string `json:"alg"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Keys, 1)

	k := decoded.Keys[0]
	require.Equal(t, "RSA", k.Kty)
	require.Equal(t, "sig", k.Use)
	require.Equal(t, "RS256", k.Alg)
	require.Equal(t, "2024-01-01", k.Kid)
	require.Equal(t, "AQAB", k.E)
	require.False(t, strings.Contains(k.N, "="), "n must have no padding")
	require.Greater(t, len(k.N), 300)
}

func TestStartRotationGeneratesActiveKeySynchronously(t *testing.T) {
	s := New([]byte("secret"), nil)
	stop := make(chan struct{})
	defer close(stop)

	s.StartRotation(time.Hour, 24*time.Hour, stop)

	active, err := s.ActiveKeyMetadata()
	require.NoError(t, err)
	require.NotEmpty(t, active.Kid)
}

func TestActiveSigningPEMLazyGeneration(t *testing.T) {
	s := New([]byte("secret"), nil)
	pemBytes, kid, err := s.ActiveSigningPEM()
	require.NoError(t, err)
	require.NotEmpty(t, pemBytes)
	require.NotEmpty(t, kid)
}
