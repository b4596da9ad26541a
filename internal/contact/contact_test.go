package contact_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/babblemesh/babbler/internal/contact"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := genKey(t)
	sig, err := contact.Sign(key, 42)
	require.NoError(t, err)

	decimal, ok := contact.VerifyDecimal(&key.PublicKey, 42, sig)
	require.True(t, ok)
	require.Equal(t, "42", decimal)
}

func TestVerifyRejectsTamperedVersion(t *testing.T) {
	key := genKey(t)
	sig, err := contact.Sign(key, 5)
	require.NoError(t, err)

	require.False(t, contact.Verify(&key.PublicKey, 6, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := genKey(t)
	other := genKey(t)
	sig, err := contact.Sign(key, 5)
	require.NoError(t, err)

	require.False(t, contact.Verify(&other.PublicKey, 5, sig))
}

func TestEvaluateAcceptsWhenNoPriorContact(t *testing.T) {
	key := genKey(t)
	next := contact.Contact{Hosts: []string{"h"}, Ports: []int{1}}
	require.Equal(t, contact.Accept, contact.Evaluate(nil, next, &key.PublicKey, false))
}

func TestEvaluateRejectsStaleVersion(t *testing.T) {
	key := genKey(t)
	prior := &contact.Contact{Hosts: []string{"h"}, Ports: []int{1}, Version: 5}
	sig, err := contact.Sign(key, 4)
	require.NoError(t, err)
	next := contact.Contact{Hosts: []string{"x"}, Ports: []int{2}, Version: 4, CVersion: sig}

	require.Equal(t, contact.Reject, contact.Evaluate(prior, next, &key.PublicKey, true))
}

func TestEvaluateAcceptsHigherVerifiedVersion(t *testing.T) {
	key := genKey(t)
	prior := &contact.Contact{Hosts: []string{"h"}, Ports: []int{1}, Version: 5}
	sig, err := contact.Sign(key, 6)
	require.NoError(t, err)
	next := contact.Contact{Hosts: []string{"h2"}, Ports: []int{2}, Version: 6, CVersion: sig}

	require.Equal(t, contact.Accept, contact.Evaluate(prior, next, &key.PublicKey, true))
}

func TestEvaluateRejectsMissingCVersionWhenPriorSigned(t *testing.T) {
	key := genKey(t)
	prior := &contact.Contact{Hosts: []string{"h"}, Ports: []int{1}, Version: 5}
	next := contact.Contact{Hosts: []string{"h2"}, Ports: []int{2}}

	require.Equal(t, contact.Reject, contact.Evaluate(prior, next, &key.PublicKey, true))
}

func TestSelfDefenceAdoptsHigherAndIncrements(t *testing.T) {
	require.Equal(t, int64(8), contact.SelfDefence(7, 5))
	require.Equal(t, int64(6), contact.SelfDefence(3, 5))
}

func TestContactValid(t *testing.T) {
	require.True(t, contact.Contact{Hosts: []string{"a"}, Ports: []int{1}}.Valid())
	require.False(t, contact.Contact{}.Valid())
	require.False(t, contact.Contact{Hosts: []string{"a", "b"}, Ports: []int{1}}.Valid())
}
